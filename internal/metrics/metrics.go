package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitacora"

var (
	ReportsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reportes_guardados_total",
		Help:      "Relatórios cifrados persistidos, por tipo.",
	}, []string{"tipo"})

	FoliosAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "folios_asignados_total",
		Help:      "Folios atribuídos na ingestão.",
	})

	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingesta_rechazada_total",
		Help:      "Incidências não processadas, por motivo.",
	}, []string{"motivo"})

	KeyImports = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llave_importaciones_total",
		Help:      "Importações da chave mestra a partir do enclave.",
	})

	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descifrado_fallido_total",
		Help:      "Registros descartados na listagem por falha de decifragem.",
	})

	AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auditoria_fallida_total",
		Help:      "Entradas de auditoria que não puderam ser gravadas.",
	})

	ClaimsSync = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_sincronizacion_total",
		Help:      "Sincronizações de claims, por resultado.",
	}, []string{"resultado"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notificaciones_total",
		Help:      "Notificações criadas, por prioridade.",
	}, []string{"prioridad"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latência das requisições HTTP.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "Requisições recusadas por limite de taxa.",
	}, []string{"scope"})
)

// Handler expõe o registry padrão no formato Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}
