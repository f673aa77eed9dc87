// Package resources - файлы, которые сервис отдаёт или применяет как есть.
package resources

import _ "embed"

// OpenAPI - описание admin API для swagger UI.
//
//go:embed openapi.json
var OpenAPI []byte
