package fingerprint

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"strings"
	"text/template"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

//go:embed scripts/override.js.tmpl
var overrideSource string

var overrideTemplate = template.Must(template.New("override").Funcs(template.FuncMap{
	"literal": jsLiteral,
}).Parse(overrideSource))

// jsLiteral renders v as a JSON literal, which is also a valid JavaScript
// expression once U+2028 and U+2029 are escaped.
func jsLiteral(v any) (string, error) {
	b, err := json.Marshal(v, jsontext.EscapeForJS(true), json.Deterministic(true))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type uaData struct {
	UserAgent         string         `json:"userAgent"`
	NavigatorPlatform string         `json:"navigatorPlatform"`
	Brands            []Brand        `json:"brands"`
	FullVersionList   []Brand        `json:"fullVersionList"`
	Mobile            bool           `json:"mobile"`
	Platform          string         `json:"platform"`
	High              map[string]any `json:"high"`
}

type webGL struct {
	Vendor   string `json:"vendor"`
	Renderer string `json:"renderer"`
}

type scriptData struct {
	Marker              string
	Cloak               bool
	UserAgentData       *uaData
	HardwareConcurrency int
	Languages           []string
	WebGL               *webGL
}

func (id Identity) scriptData() scriptData {
	d := scriptData{Cloak: id.Overrides.Cloak}
	if id.Overrides.UserAgent {
		d.UserAgentData = &uaData{
			UserAgent:         id.UserAgent,
			NavigatorPlatform: id.NavigatorPlatform,
			Brands:            id.Brands,
			FullVersionList:   id.FullVersionList,
			Mobile:            id.Mobile,
			Platform:          id.Platform,
			High: map[string]any{
				"architecture":    id.Architecture,
				"bitness":         id.Bitness,
				"model":           "",
				"platformVersion": id.PlatformVersion,
				"uaFullVersion":   id.FullVersion,
				"wow64":           false,
			},
		}
	}
	if id.Overrides.HardwareConcurrency {
		d.HardwareConcurrency = id.HardwareConcurrency
	}
	if id.Overrides.Languages {
		d.Languages = id.Languages
	}
	if id.Overrides.WebGL {
		d.WebGL = &webGL{Vendor: id.WebGLVendor, Renderer: id.WebGLRenderer}
	}
	d.Marker = marker(d)
	return d
}

// marker is the token patched functions echo back, which keeps a script
// from running twice in one realm without touching the global object. It
// changes with the identity so a new identity still applies.
func marker(d scriptData) string {
	h := fnv.New64a()
	d.Marker = ""
	b, _ := json.Marshal(d, json.Deterministic(true))
	_, _ = h.Write(b)
	return fmt.Sprintf("__%x", h.Sum64())
}

// Script renders the override script for id. It is empty when every
// primitive is disabled.
func (id Identity) Script() (string, error) {
	if !id.Overrides.Any() {
		return "", nil
	}
	var b strings.Builder
	if err := overrideTemplate.Execute(&b, id.scriptData()); err != nil {
		return "", fmt.Errorf("render override script: %w", err)
	}
	return b.String(), nil
}
