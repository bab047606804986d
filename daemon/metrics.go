package daemon

import metrics "github.com/docker/go-metrics"

var (
	uploadsProcessed    metrics.Counter
	certsValidated      metrics.LabeledCounter
	reconcileOperations metrics.LabeledCounter
	validationTimer     metrics.Timer
)

func init() {
	ns := metrics.NewNamespace("pkd", "daemon", nil)
	uploadsProcessed = ns.NewCounter("uploads_processed", "Number of uploads fully processed")
	certsValidated = ns.NewLabeledCounter("certificates_validated", "Certificates run through validation", "status")
	reconcileOperations = ns.NewLabeledCounter("reconcile_operations", "Reconciler LDAP operations", "operation", "result")
	validationTimer = ns.NewTimer("validation", "Time taken to validate one certificate")
	metrics.Register(ns)
}
