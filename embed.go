package oralarchive

import "embed"

//go:embed web/templates/*.html web/static/*
var WebFiles embed.FS

//go:embed schema.sql
var SchemaSQL []byte
