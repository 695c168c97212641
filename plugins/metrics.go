package plugins

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	installTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sleuth",
		Name:      "module_install_total",
		Help:      "Module installs by outcome.",
	}, []string{"status"})

	loadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sleuth",
		Name:      "module_load_total",
		Help:      "Module loads by outcome.",
	}, []string{"status"})

	loadedModules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sleuth",
		Name:      "modules_loaded",
		Help:      "Modules currently registered from disk.",
	})
)
