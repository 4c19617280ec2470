package capability

import (
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Version:                    "1.4.2",
		FHIRServerURL:              "https://fhir.example.org/fhir",
		OperationDefinitionBaseURL: "https://defs.example.org/",
	}
}

func TestBuildFixedClock(t *testing.T) {
	opts := testOptions()
	opts.Now = func() time.Time {
		return time.Date(2024, 5, 1, 9, 45, 30, 0, time.FixedZone("EST", -5*3600))
	}

	st := Build(opts)
	assert.Equal(t, "2024-05-01 14:45 UTC", st.Date)
	assert.Equal(t, "active", st.Status)
	assert.Equal(t, Publisher, st.Publisher)
	assert.Equal(t, "instance", st.Kind)
	assert.Equal(t, Software{Name: SoftwareName, Version: "1.4.2"}, st.Software)
	assert.Equal(t, "https://fhir.example.org/fhir", st.Implementation.URL)
	assert.Equal(t, FHIRVersion, st.FHIRVersion)

	require.Len(t, st.Rest, 1)
	require.Len(t, st.Rest[0].Operation, 1)
	assert.Equal(t, "https://defs.example.org/OperationDefinition/Bundle--validate", st.Rest[0].Operation[0].Definition)

	var types []string
	for _, r := range st.Rest[0].Resource {
		types = append(types, r.Type)
	}
	if diff := cmp.Diff([]string{"Bundle", "OperationDefinition", "StructureDefinition"}, types); diff != "" {
		t.Fatalf("resource types mismatch (-want +got):\n%s", diff)
	}

	bundle := st.Rest[0].Resource[0]
	assert.Contains(t, bundle.Profile, "SHINNYBundleProfile")
	if diff := cmp.Diff([]Interaction{{Code: "create"}, {Code: "search-type"}}, bundle.Interaction); diff != "" {
		t.Fatalf("bundle interactions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []SearchParam{{Name: "name", Type: "string"}}, bundle.SearchParam)
}

type parsedStatement struct {
	XMLName  xml.Name `xml:"CapabilityStatement"`
	Date     xmlValue `xml:"date"`
	Software []struct {
		Version []xmlValue `xml:"version"`
	} `xml:"software"`
	Rest struct {
		Operation struct {
			Definition xmlValue `xml:"definition"`
		} `xml:"operation"`
	} `xml:"rest"`
}

func TestXMLHasOneSoftwareVersionAndRecentDate(t *testing.T) {
	out, err := Build(testOptions()).XML()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(out), `<CapabilityStatement xmlns="http://hl7.org/fhir">`), string(out))
	assert.Equal(t, 1, strings.Count(string(out), "<software>"))
	assert.Equal(t, 1, strings.Count(string(out), "<version "))

	var parsed parsedStatement
	require.NoError(t, xml.Unmarshal(out, &parsed))
	require.Len(t, parsed.Software, 1)
	require.Len(t, parsed.Software[0].Version, 1)
	assert.Equal(t, "1.4.2", parsed.Software[0].Version[0].Value)

	date, err := time.Parse(DateLayout, parsed.Date.Value)
	require.NoError(t, err)
	// Minute precision: the rendered date can trail now by up to a minute.
	age := time.Since(date)
	assert.True(t, age >= 0 && age < 2*time.Minute, "date %s is not recent (age %s)", parsed.Date.Value, age)

	assert.Equal(t, "https://defs.example.org/OperationDefinition/Bundle--validate", parsed.Rest.Operation.Definition.Value)
}

func TestJSONForm(t *testing.T) {
	out, err := Build(testOptions()).JSON()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "CapabilityStatement", doc["resourceType"])
	assert.Equal(t, []any{ContentTypeXML, ContentTypeJSON}, doc["format"])
	software := doc["software"].(map[string]any)
	assert.Equal(t, "1.4.2", software["version"])
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		format, accept string
		want           string
	}{
		{"", "", ContentTypeXML},
		{"", "*/*", ContentTypeXML},
		{"", "application/fhir+json", ContentTypeJSON},
		{"", "application/json;q=0.9, text/html", ContentTypeJSON},
		{"", "application/fhir+xml, application/fhir+json", ContentTypeXML},
		{"json", "application/fhir+xml", ContentTypeJSON},
		{"xml", "application/json", ContentTypeXML},
		{"application/fhir+json", "", ContentTypeJSON},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Negotiate(tt.format, tt.accept), "format=%q accept=%q", tt.format, tt.accept)
	}
}

func TestRender(t *testing.T) {
	st := Build(testOptions())
	xmlOut, err := st.Render(ContentTypeXML)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(xmlOut), "<CapabilityStatement"))

	jsonOut, err := st.Render(ContentTypeJSON)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(jsonOut), "{"))
}
