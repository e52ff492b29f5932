package configure

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goplus/qtbuild/internal/manifest"
)

// Logical names of the generated headers.
const (
	QConfig           = "QtCore/qconfig.h"
	QConfigPrivate    = "QtCore/private/qconfig_p.h"
	CoreConfig        = "QtCore/qtcore-config.h"
	CoreConfigPrivate = "QtCore/private/qtcore-config_p.h"
	PlatformDefs      = "QtCore/qplatformdefs.h"
)

// Probes holds the results of the configuration probes.
type Probes struct {
	PointerSize int
	Headers     map[string]bool // system header -> available
}

// Render produces the configuration header set for cfg and the probe
// results. The output depends only on its inputs.
func Render(cfg manifest.Configure, p *Probes) map[string]string {
	globalDefines := copyDefines(cfg.GlobalDefines)
	if p.PointerSize > 0 {
		globalDefines["QT_POINTER_SIZE"] = strconv.Itoa(p.PointerSize)
	}

	coreFeatures := copyFeatures(cfg.CoreFeatures)
	globalFeatures := cfg.GlobalFeatures
	for _, h := range cfg.SystemHeaders {
		if h.Feature == "" {
			continue
		}
		available := p.Headers[h.Header]
		if declared, ok := globalFeatures[h.Feature]; ok {
			if !available && declared {
				globalFeatures = copyFeatures(globalFeatures)
				globalFeatures[h.Feature] = false
			}
			continue
		}
		if declared, ok := coreFeatures[h.Feature]; ok {
			coreFeatures[h.Feature] = declared && available
			continue
		}
		coreFeatures[h.Feature] = available
	}

	headers := map[string]string{
		QConfig:           configHeader(globalDefines, globalFeatures),
		QConfigPrivate:    configHeader(nil, cfg.GlobalPrivateFeatures),
		CoreConfig:        configHeader(cfg.CoreDefines, coreFeatures),
		CoreConfigPrivate: configHeader(nil, cfg.CorePrivateFeatures),
	}
	if cfg.PlatformDefs != "" {
		headers[PlatformDefs] = "#include \"" + slash(cfg.PlatformDefs) + "\"\n"
	}
	return headers
}

// configHeader renders defines, a blank line, then QT_FEATURE_ macros.
func configHeader(defines map[string]string, features map[string]bool) string {
	var b strings.Builder
	for _, k := range sortedKeys(defines) {
		b.WriteString("#define " + k + " " + defines[k] + "\n")
	}
	b.WriteString("\n")
	for _, k := range sortedKeys(features) {
		v := "-1"
		if features[k] {
			v = "1"
		}
		b.WriteString("#define QT_FEATURE_" + k + " " + v + "\n")
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyDefines(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFeatures(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func slash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
