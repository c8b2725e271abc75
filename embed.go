package relaychat

import "embed"

// TemplateFS contains the embedded HTML templates, such as the transcript export page.
//
//go:embed templates/*
var TemplateFS embed.FS
