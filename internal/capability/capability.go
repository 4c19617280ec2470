// Package capability builds the server's FHIR CapabilityStatement.
package capability

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/fhirgate/internal/config"
)

const (
	// DateLayout renders the statement date, e.g. "2024-05-01 13:45 UTC".
	DateLayout = "2006-01-02 15:04 MST"

	ContentTypeXML  = "application/fhir+xml"
	ContentTypeJSON = "application/fhir+json"

	FHIRVersion  = "4.0.1"
	Publisher    = "TechBD"
	SoftwareName = "1115-Hub FHIR Server"
	Description  = "1115-Hub FHIR"

	fhirNamespace = "http://hl7.org/fhir"
)

// Options are the values interpolated into the statement.
type Options struct {
	// Now defaults to time.Now.
	Now                        func() time.Time
	Version                    string
	FHIRServerURL              string
	OperationDefinitionBaseURL string
	// BundleProfileURL defaults to config.DefaultBundleProfileURL.
	BundleProfileURL string
}

// OptionsFromConfig reads the statement inputs from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Version:                    cfg.Service.Version,
		FHIRServerURL:              cfg.FHIR.ServerURL,
		OperationDefinitionBaseURL: cfg.FHIR.OperationDefinitionBaseURL,
		BundleProfileURL:           cfg.FHIR.BundleProfileURL,
	}
}

// Statement is the JSON form of a CapabilityStatement.
type Statement struct {
	ResourceType   string         `json:"resourceType"`
	Status         string         `json:"status"`
	Date           string         `json:"date"`
	Publisher      string         `json:"publisher"`
	Kind           string         `json:"kind"`
	Software       Software       `json:"software"`
	Implementation Implementation `json:"implementation"`
	FHIRVersion    string         `json:"fhirVersion"`
	Format         []string       `json:"format"`
	Rest           []Rest         `json:"rest"`
}

type Software struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Implementation struct {
	Description string `json:"description"`
	URL         string `json:"url"`
}

type Rest struct {
	Mode      string      `json:"mode"`
	Resource  []Resource  `json:"resource"`
	Operation []Operation `json:"operation"`
}

type Resource struct {
	Type        string        `json:"type"`
	Profile     string        `json:"profile"`
	Interaction []Interaction `json:"interaction"`
	SearchParam []SearchParam `json:"searchParam,omitempty"`
}

type Interaction struct {
	Code string `json:"code"`
}

type SearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Operation struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// Build assembles the statement.
func Build(opts Options) *Statement {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	profile := opts.BundleProfileURL
	if profile == "" {
		profile = config.DefaultBundleProfileURL
	}

	return &Statement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         now().UTC().Format(DateLayout),
		Publisher:    Publisher,
		Kind:         "instance",
		Software:     Software{Name: SoftwareName, Version: opts.Version},
		Implementation: Implementation{
			Description: Description,
			URL:         opts.FHIRServerURL,
		},
		FHIRVersion: FHIRVersion,
		Format:      []string{ContentTypeXML, ContentTypeJSON},
		Rest: []Rest{{
			Mode: "server",
			Resource: []Resource{
				{
					Type:        "Bundle",
					Profile:     profile,
					Interaction: interactions("create", "search-type"),
					SearchParam: []SearchParam{{Name: "name", Type: "string"}},
				},
				{
					Type:        "OperationDefinition",
					Profile:     "http://hl7.org/fhir/StructureDefinition/OperationDefinition",
					Interaction: interactions("read"),
				},
				{
					Type:        "StructureDefinition",
					Profile:     "http://hl7.org/fhir/StructureDefinition/StructureDefinition",
					Interaction: interactions("read", "search-type"),
				},
			},
			Operation: []Operation{{
				Name:       "validate",
				Definition: strings.TrimRight(opts.OperationDefinitionBaseURL, "/") + "/OperationDefinition/Bundle--validate",
			}},
		}},
	}
}

func interactions(codes ...string) []Interaction {
	out := make([]Interaction, len(codes))
	for i, c := range codes {
		out[i] = Interaction{Code: c}
	}
	return out
}

// JSON renders the FHIR JSON form.
func (s *Statement) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// XML renders the FHIR XML form, where every primitive is a value attribute.
func (s *Statement) XML() ([]byte, error) {
	doc := xmlStatement{
		XMLNS:     fhirNamespace,
		Status:    val(s.Status),
		Date:      val(s.Date),
		Publisher: val(s.Publisher),
		Kind:      val(s.Kind),
		Software: xmlSoftware{
			Name:    val(s.Software.Name),
			Version: val(s.Software.Version),
		},
		Implementation: xmlImplementation{
			Description: val(s.Implementation.Description),
			URL:         val(s.Implementation.URL),
		},
		FHIRVersion: val(s.FHIRVersion),
	}
	for _, f := range s.Format {
		doc.Format = append(doc.Format, val(f))
	}
	for _, r := range s.Rest {
		xr := xmlRest{Mode: val(r.Mode)}
		for _, res := range r.Resource {
			xres := xmlResource{Type: val(res.Type), Profile: val(res.Profile)}
			for _, in := range res.Interaction {
				xres.Interaction = append(xres.Interaction, xmlInteraction{Code: val(in.Code)})
			}
			for _, sp := range res.SearchParam {
				xres.SearchParam = append(xres.SearchParam, xmlSearchParam{Name: val(sp.Name), Type: val(sp.Type)})
			}
			xr.Resource = append(xr.Resource, xres)
		}
		for _, op := range r.Operation {
			xr.Operation = append(xr.Operation, xmlOperation{Name: val(op.Name), Definition: val(op.Definition)})
		}
		doc.Rest = append(doc.Rest, xr)
	}

	out, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal capability statement: %w", err)
	}
	return out, nil
}

// Render picks the representation for a negotiated content type.
func (s *Statement) Render(contentType string) ([]byte, error) {
	if contentType == ContentTypeJSON {
		return s.JSON()
	}
	return s.XML()
}

// Negotiate chooses XML or JSON from a _format parameter and Accept header.
// XML wins when neither asks for JSON.
func Negotiate(format, accept string) string {
	if format != "" {
		if strings.Contains(strings.ToLower(format), "json") {
			return ContentTypeJSON
		}
		return ContentTypeXML
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		switch {
		case strings.Contains(mt, "xml"):
			return ContentTypeXML
		case strings.Contains(mt, "json"):
			return ContentTypeJSON
		}
	}
	return ContentTypeXML
}
