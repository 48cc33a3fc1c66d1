package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallCounter exposes the number of active calls.
type CallCounter interface {
	Count() int
}

// RegistrationCounter exposes the number of live SIP registrations.
type RegistrationCounter interface {
	ActiveCount() int
}

// RelayStatsProvider exposes the media engine's port pool state.
type RelayStatsProvider interface {
	ActiveCount() int
	FreePortPairs() int
}

// ExtensionCounter exposes the number of provisioned extensions.
type ExtensionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// MOSAverager exposes the average MOS across persisted call summaries.
type MOSAverager interface {
	AverageMOS(ctx context.Context) (float64, error)
}

// AlertCounter exposes the number of quality alerts raised.
type AlertCounter interface {
	AlertCount() int
}

// Collector is a prometheus.Collector that reads every value at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	calls         CallCounter
	registrations RegistrationCounter
	relays        RelayStatsProvider
	extensions    ExtensionCounter
	mos           MOSAverager
	alerts        AlertCounter
	startTime     time.Time

	activeCallsDesc   *prometheus.Desc
	registrationsDesc *prometheus.Desc
	relaysDesc        *prometheus.Desc
	portPairsDesc     *prometheus.Desc
	extensionsDesc    *prometheus.Desc
	mosDesc           *prometheus.Desc
	alertsDesc        *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates the scrape-time collector.
func NewCollector(
	calls CallCounter,
	registrations RegistrationCounter,
	relays RelayStatsProvider,
	extensions ExtensionCounter,
	mos MOSAverager,
	alerts AlertCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:         calls,
		registrations: registrations,
		relays:        relays,
		extensions:    extensions,
		mos:           mos,
		alerts:        alerts,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"coralpbx_active_calls",
			"Number of currently active calls (ringing + answered + voicemail)",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"coralpbx_registered_devices",
			"Number of currently registered SIP devices",
			nil, nil,
		),
		relaysDesc: prometheus.NewDesc(
			"coralpbx_rtp_relays_active",
			"Number of active RTP relay sessions",
			nil, nil,
		),
		portPairsDesc: prometheus.NewDesc(
			"coralpbx_rtp_port_pairs_free",
			"RTP port pairs still available for new calls",
			nil, nil,
		),
		extensionsDesc: prometheus.NewDesc(
			"coralpbx_provisioned_extensions",
			"Number of extensions provisioned in the database",
			nil, nil,
		),
		mosDesc: prometheus.NewDesc(
			"coralpbx_call_mos_average",
			"Average MOS across persisted call quality summaries",
			nil, nil,
		),
		alertsDesc: prometheus.NewDesc(
			"coralpbx_qos_alerts_total",
			"Quality alerts raised since startup",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"coralpbx_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.relaysDesc
	ch <- c.portPairsDesc
	ch <- c.extensionsDesc
	ch <- c.mosDesc
	ch <- c.alertsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Count()),
		)
	}
	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrations.ActiveCount()),
		)
	}
	if c.relays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relaysDesc, prometheus.GaugeValue,
			float64(c.relays.ActiveCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portPairsDesc, prometheus.GaugeValue,
			float64(c.relays.FreePortPairs()),
		)
	}
	if c.extensions != nil {
		count, err := c.extensions.Count(ctx)
		if err != nil {
			slog.Error("metrics: counting extensions failed", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.extensionsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}
	if c.mos != nil {
		avg, err := c.mos.AverageMOS(ctx)
		if err != nil {
			slog.Error("metrics: averaging mos failed", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.mosDesc, prometheus.GaugeValue, avg,
			)
		}
	}
	if c.alerts != nil {
		ch <- prometheus.MustNewConstMetric(
			c.alertsDesc, prometheus.CounterValue,
			float64(c.alerts.AlertCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
