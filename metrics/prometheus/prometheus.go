/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package prometheus

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardkeeper/go-lease-renewer/logger"
)

// MonitoringService publishes lease renewal metrics to Prometheus.
type MonitoringService struct {
	listenAddress string
	namespace     string
	leaseTable    string
	workerID      string
	logger        logger.Logger

	leasesHeld       *prom.GaugeVec
	leaseRenewals    *prom.CounterVec
	leaseLosses      *prom.CounterVec
	checkpointsSaved *prom.CounterVec
	renewalPassTime  *prom.HistogramVec
}

// NewMonitoringService returns a MonitoringService publishing metrics to Prometheus.
func NewMonitoringService(listenAddress string, logger logger.Logger) *MonitoringService {
	return &MonitoringService{
		listenAddress: listenAddress,
		logger:        logger,
	}
}

func (p *MonitoringService) Init(appName, leaseTable, workerID string) error {
	p.namespace = appName
	p.leaseTable = leaseTable
	p.workerID = workerID

	p.leasesHeld = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_leases_held`,
		Help: "The number of leases held by the worker",
	}, []string{"leaseTable", "workerID"})
	p.leaseRenewals = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_renewals`,
		Help: "The number of successful lease renewals",
	}, []string{"leaseTable", "lease", "workerID"})
	p.leaseLosses = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_losses`,
		Help: "The number of leases lost or evicted",
	}, []string{"leaseTable", "lease", "workerID"})
	p.checkpointsSaved = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_checkpoints_saved`,
		Help: "The number of checkpoints persisted through held leases",
	}, []string{"leaseTable", "lease", "workerID"})
	p.renewalPassTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_renewal_pass_duration_milliseconds`,
		Help: "The time taken to renew all held leases",
	}, []string{"leaseTable", "workerID"})

	metrics := []prom.Collector{
		p.leasesHeld,
		p.leaseRenewals,
		p.leaseLosses,
		p.checkpointsSaved,
		p.renewalPassTime,
	}
	for _, metric := range metrics {
		err := prom.Register(metric)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *MonitoringService) Start() error {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		err := http.ListenAndServe(p.listenAddress, nil)
		if err != nil {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {}

func (p *MonitoringService) LeaseGained(leaseKey string) {
	p.leasesHeld.With(prom.Labels{"leaseTable": p.leaseTable, "workerID": p.workerID}).Inc()
}

func (p *MonitoringService) LeaseLost(leaseKey string) {
	p.leasesHeld.With(prom.Labels{"leaseTable": p.leaseTable, "workerID": p.workerID}).Dec()
	p.leaseLosses.With(prom.Labels{"leaseTable": p.leaseTable, "lease": leaseKey, "workerID": p.workerID}).Inc()
}

func (p *MonitoringService) LeaseRenewed(leaseKey string) {
	p.leaseRenewals.With(prom.Labels{"leaseTable": p.leaseTable, "lease": leaseKey, "workerID": p.workerID}).Inc()
}

func (p *MonitoringService) CheckpointSaved(leaseKey string) {
	p.checkpointsSaved.With(prom.Labels{"leaseTable": p.leaseTable, "lease": leaseKey, "workerID": p.workerID}).Inc()
}

func (p *MonitoringService) RecordRenewalPassTime(millis float64) {
	p.renewalPassTime.With(prom.Labels{"leaseTable": p.leaseTable, "workerID": p.workerID}).Observe(millis)
}
