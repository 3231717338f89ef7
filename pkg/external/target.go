package external

import (
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/model"
)

// Services executing the out-of-process script languages.
const (
	PythonScriptService  = "python-script-processor"
	ClojureScriptService = "clojure-script-processor"
)

// TargetService returns the service a processor's payload must be sent to,
// or "" when the processor runs in-process only.
func TargetService(p model.ProcessorRunModel) string {
	if name := strings.TrimSpace(p.Property(model.PropServiceName)); name != "" {
		return name
	}
	if p.Type != model.ProcessorScript {
		return ""
	}
	switch model.ScriptLanguage(strings.ToUpper(p.Property(model.PropLanguage))) {
	case model.LanguagePython:
		return PythonScriptService
	case model.LanguageClojure:
		return ClojureScriptService
	}
	return ""
}
