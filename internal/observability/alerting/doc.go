// Package alerting fans pipeline failures out to notification channels.
package alerting
