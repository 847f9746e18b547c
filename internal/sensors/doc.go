// Package sensors provides condition sources for a Linux host: the sysfs
// power supply class for battery state and a scheduled throughput probe for
// network quality.
package sensors
