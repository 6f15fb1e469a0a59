package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/report"
	"github.com/gestaozabele/bitacora/internal/storage"
)

// Version muda quando o formato do relatório estruturado muda.
const Version = 1

// DefaultKey é a chave padrão do objeto publicado.
const DefaultKey = "schema/reportes_incidencia.json"

// Field descreve um campo do relatório estruturado.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Min      int    `json:"min,omitempty"`
	Max      int    `json:"max,omitempty"`
	Format   string `json:"format,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// Route é a prioridade de notificação de uma categoria.
type Route struct {
	Prioridad     string   `json:"prioridad"`
	Destinatarios []string `json:"destinatarios"`
}

// Doc é o documento publicado.
type Doc struct {
	Name            string           `json:"name"`
	Version         int              `json:"version"`
	EnvelopeVersion int              `json:"envelopeVersion"`
	Fields          []Field          `json:"fields"`
	Categorias      []string         `json:"categorias"`
	Prioridades     map[string]Route `json:"prioridades"`
	FolioFormat     string           `json:"folioFormat"`
}

// Describe monta o descritor a partir das regras em vigor.
func Describe(folioPrefix string, folioWidth int) Doc {
	prioridades := map[string]Route{}
	for cat, r := range report.Routes() {
		dest := make([]string, 0, len(r.Destinatarios))
		for _, role := range r.Destinatarios {
			dest = append(dest, role.String())
		}
		sort.Strings(dest)
		prioridades[cat] = Route{Prioridad: r.Prioridad, Destinatarios: dest}
	}

	return Doc{
		Name:            "reportes_incidencia",
		Version:         Version,
		EnvelopeVersion: envelope.CurrentVersion,
		Fields: []Field{
			{Name: "titulo", Type: "string", Required: true, Min: report.TituloMin, Max: report.TituloMax},
			{Name: "descripcion", Type: "string", Required: true, Min: report.DescripcionMin, Max: report.DescripcionMax},
			{Name: "categoria", Type: "enum", Required: true},
			{Name: "fecha", Type: "string", Required: true, Format: "date"},
			{Name: "lugar", Type: "string", Max: report.LugarMax, Default: report.DefaultLugar},
			{Name: "involucrados", Type: "string[]", Max: report.InvolucradosMax, Default: []string{}},
			{Name: "acciones", Type: "string", Max: report.AccionesMax, Default: report.DefaultAcciones},
			{Name: "alumno", Type: "string", Max: report.AlumnoMax},
			{Name: "grupo", Type: "string", Max: report.GrupoMax},
		},
		Categorias:  append([]string(nil), report.Categorias...),
		Prioridades: prioridades,
		FolioFormat: folioFormat(folioPrefix, folioWidth),
	}
}

// folioFormat devolve o formato printf do folio, ex. INC-%06d.
func folioFormat(prefix string, width int) string {
	return fmt.Sprintf("%s-%%0%dd", prefix, width)
}

// Encode serializa o descritor de forma estável: mesma entrada, mesmos bytes.
func (d Doc) Encode() ([]byte, error) {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// Publisher grava o descritor no armazenamento de objetos.
type Publisher struct {
	store  storage.ObjectStore
	key    string
	logger zerolog.Logger
}

func NewPublisher(store storage.ObjectStore, key string, logger zerolog.Logger) *Publisher {
	if key == "" {
		key = DefaultKey
	}
	return &Publisher{store: store, key: key, logger: logger}
}

// Publish grava doc quando o conteúdo difere do objeto atual. written é
// falso quando nada foi gravado.
func (p *Publisher) Publish(ctx context.Context, doc Doc) (bool, error) {
	body, err := doc.Encode()
	if err != nil {
		return false, err
	}

	current, err := p.store.Get(ctx, p.key)
	switch {
	case err == nil:
		if bytes.Equal(current, body) {
			p.logger.Debug().Str("key", p.key).Msg("descritor sem mudanças")
			return false, nil
		}
	case errors.Is(err, storage.ErrNotConfigured):
		p.logger.Info().Msg("armazenamento não configurado, descritor não publicado")
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return false, err
	}

	res, err := p.store.Put(ctx, storage.Object{
		Key:          p.key,
		Body:         body,
		ContentType:  "application/json",
		CacheControl: "no-cache",
	})
	if err != nil {
		return false, err
	}
	p.logger.Info().Str("key", p.key).Str("url", res.URL).Int("version", doc.Version).Msg("descritor publicado")
	return true, nil
}
