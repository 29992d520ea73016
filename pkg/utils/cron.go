package utils //nolint:revive // utils is a standard package name

import "github.com/robfig/cron/v3"

// CronParser accepts five-field expressions, six-field expressions with a leading seconds field,
// descriptors such as @hourly or @every 5m, and TZ= or CRON_TZ= prefixes.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)
