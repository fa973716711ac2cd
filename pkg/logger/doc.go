// Package logger builds the structured slog logger shared by every component,
// text in development and JSON in production, tagged with the environment.
package logger
