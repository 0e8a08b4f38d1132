/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"crypto/tls"
	"net"
	"net/http"
	_ "net/http/pprof" // Registers pprof handlers on the default mux.
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func addRuntimeFlags(cmd *cobra.Command, metricsListenAddr string) {
	cmd.Flags().Bool("with-pprof", false, "With pprof enabled")
	cmd.Flags().String("pprof-listen", "127.0.0.1:6060", "TCP listen address for pprof")
	cmd.Flags().Bool("with-metrics", false, "Enable metrics")
	cmd.Flags().String("metrics-listen", metricsListenAddr, "TCP listen address for metrics")
	cmd.Flags().Bool("with-deadlock-detector", true, "Enable deadlock detection")
}

func setupDeadlockDetector(v *viper.Viper, logger logrus.FieldLogger) {
	deadlock.Opts.Disable = !v.GetBool("with-deadlock-detector")
	deadlock.Opts.DeadlockTimeout = 15 * time.Second
	if !deadlock.Opts.Disable {
		logger.Warnln("enabled automatic deadlock detector")
	}
}

// startMetrics starts the metrics listener when enabled and returns the
// prefixed registerer for all collectors of the process.
func startMetrics(v *viper.Viper, logger logrus.FieldLogger) (bool, prometheus.Registerer) {
	withMetrics := v.GetBool("with-metrics")
	metricsListenAddr := v.GetString("metrics-listen")
	if !withMetrics || metricsListenAddr == "" {
		return false, nil
	}

	reg := prometheus.NewPedanticRegistry()
	// Add the standard process and Go metrics to the custom registry.
	reg.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	go func() {
		metricsListen := metricsListenAddr
		handler := http.NewServeMux()
		logger.WithField("listenAddr", metricsListen).Infoln("metrics enabled, starting listener")
		handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		err := http.ListenAndServe(metricsListen, handler)
		if err != nil {
			logger.WithError(err).Errorln("unable to start metrics listener")
		}
	}()

	return true, prometheus.WrapRegistererWithPrefix("kwmcalld_", reg)
}

func startPprof(v *viper.Viper, logger logrus.FieldLogger) {
	withPprof := v.GetBool("with-pprof")
	pprofListenAddr := v.GetString("pprof-listen")
	if !withPprof || pprofListenAddr == "" {
		return
	}

	runtime.SetMutexProfileFraction(5)
	go func() {
		pprofListen := pprofListenAddr
		logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
		err := http.ListenAndServe(pprofListen, nil)
		if err != nil {
			logger.WithError(err).Errorln("unable to start pprof listener")
		}
	}()
}

func newHTTPClient(insecure bool, logger logrus.FieldLogger) *http.Client {
	var tlsClientConfig *tls.Config
	if insecure {
		// NOTE: This disables http2 client support.
		tlsClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
		logger.Warnln("insecure mode, TLS client connections are susceptible to man-in-the-middle attacks")
		logger.Debugln("http2 client support is disabled (insecure mode)")
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       tlsClientConfig,
		},
	}
}
