package report

import (
	"strings"
	"time"

	"github.com/gestaozabele/bitacora/internal/util"
)

// Limites do rascunho de guarda. Textos maiores são cortados, não rejeitados.
const (
	guardianTituloMax        = 120
	guardianResumenMax       = 2000
	guardianTranscripcionMax = 20000
	guardianAlumnoMax        = 120
	guardianGrupoMax         = 60
	guardianEtiquetaMax      = 40
	guardianEtiquetasMax     = 20
	maxVoiceDurationSec      = 4 * 60 * 60

	defaultGuardianTitulo = "Reporte de guardia"
)

// GuardianDraft é o conteúdo secreto de um relatório de guarda (voz).
type GuardianDraft struct {
	Titulo        string   `json:"titulo"`
	Resumen       string   `json:"resumen"`
	Transcripcion string   `json:"transcripcion"`
	Alumno        string   `json:"alumno,omitempty"`
	Grupo         string   `json:"grupo,omitempty"`
	Fecha         string   `json:"fecha"`
	Categoria     string   `json:"categoria,omitempty"`
	Etiquetas     []string `json:"etiquetas,omitempty"`
}

// GuardianInput é a chamada saveEncryptedReport.
type GuardianInput struct {
	Payload          GuardianDraft `json:"payload"`
	RecordedAtISO    string        `json:"recordedAtISO,omitempty"`
	VoiceDurationSec *int          `json:"voiceDurationSec,omitempty"`
	RoleVisibility   []string      `json:"roleVisibility,omitempty"`
}

// SaveResult é a resposta de saveEncryptedReport.
type SaveResult struct {
	ReportID       string   `json:"reportId"`
	RecordedAtISO  string   `json:"recordedAtISO"`
	StoredAtISO    string   `json:"storedAtISO"`
	RoleVisibility []string `json:"roleVisibility"`
}

// DecryptedReport é um relatório de guarda já aberto para quem lista.
type DecryptedReport struct {
	ID               string        `json:"id"`
	UID              string        `json:"uid"`
	RecordedAt       time.Time     `json:"recordedAt"`
	RoleVisibility   []string      `json:"roleVisibility"`
	CreatedBy        Author        `json:"createdBy"`
	VoiceDurationSec *int          `json:"voiceDurationSec,omitempty"`
	Payload          GuardianDraft `json:"payload"`
}

// normalize limita cada texto e usa a data da gravação quando a data
// informada falta ou não é válida.
func (d GuardianDraft) normalize(recordedAt time.Time) GuardianDraft {
	d.Titulo = util.Truncate(strings.TrimSpace(d.Titulo), guardianTituloMax)
	if d.Titulo == "" {
		d.Titulo = defaultGuardianTitulo
	}
	d.Resumen = util.Truncate(strings.TrimSpace(d.Resumen), guardianResumenMax)
	d.Transcripcion = util.Truncate(strings.TrimSpace(d.Transcripcion), guardianTranscripcionMax)
	d.Alumno = util.Truncate(strings.TrimSpace(d.Alumno), guardianAlumnoMax)
	d.Grupo = util.Truncate(strings.TrimSpace(d.Grupo), guardianGrupoMax)

	d.Categoria = strings.ToLower(strings.TrimSpace(d.Categoria))
	if d.Categoria != "" && !ValidCategoria(d.Categoria) {
		d.Categoria = CategoriaOtro
	}

	if t, ok := util.ParseFecha(d.Fecha); ok {
		d.Fecha = t.Format(time.DateOnly)
	} else {
		d.Fecha = recordedAt.Format(time.DateOnly)
	}

	var tags []string
	seen := map[string]struct{}{}
	for _, tag := range d.Etiquetas {
		tag = util.Truncate(strings.TrimSpace(tag), guardianEtiquetaMax)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
		if len(tags) == guardianEtiquetasMax {
			break
		}
	}
	d.Etiquetas = tags
	return d
}

// recordedAt interpreta o instante da gravação; ausente ou inválido usa now.
func recordedAt(iso string, now time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(iso)); err == nil {
		return t.UTC()
	}
	return now
}

func voiceDuration(sec *int) *int {
	if sec == nil || *sec < 0 {
		return nil
	}
	v := *sec
	if v > maxVoiceDurationSec {
		v = maxVoiceDurationSec
	}
	return &v
}
