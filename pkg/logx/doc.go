// Package logx is campuscast's structured logger, a thin layer over zerolog.
//
// Loggers are values. The zero Logger discards everything, so components can
// hold one without nil checks. A Logger obtained from a Service follows the
// Service across Apply calls, which is how logging config hot-reloads.
//
// Dispatch code logs through the shared keys in fields.go (Job, Recipient,
// Schedule, Component) so one job can be followed across packages.
package logx
