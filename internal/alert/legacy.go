package alert

// metricLabel pairs a display name with a unit for metrics that predate
// the metric-definition catalog.
type metricLabel struct {
	name string
	unit string
}

// legacyMetricLabels resolves well-known metric keys when the catalog
// has no row for them, so alerts from older rules still read cleanly.
var legacyMetricLabels = map[string]metricLabel{
	"cpu_usage":      {"CPU Usage", "%"},
	"memory_usage":   {"Memory Usage", "%"},
	"array_usage":    {"Array Usage", "%"},
	"docker_running": {"Running Containers", "count"},
	"monitors_up":    {"Monitors Up", "count"},
	"monitors_down":  {"Monitors Down", "count"},
	"monitors_total": {"Monitors Total", "count"},
	"system.cpu":     {"CPU Utilization", "%"},
	"system.ram":     {"RAM Usage", "%"},
	"system.load":    {"Load Average", "load"},
	"system.net":     {"Network Traffic", "kilobits/s"},
}
