package capability

import "encoding/xml"

type xmlValue struct {
	Value string `xml:"value,attr"`
}

func val(s string) xmlValue { return xmlValue{Value: s} }

type xmlStatement struct {
	XMLName        xml.Name          `xml:"CapabilityStatement"`
	XMLNS          string            `xml:"xmlns,attr"`
	Status         xmlValue          `xml:"status"`
	Date           xmlValue          `xml:"date"`
	Publisher      xmlValue          `xml:"publisher"`
	Kind           xmlValue          `xml:"kind"`
	Software       xmlSoftware       `xml:"software"`
	Implementation xmlImplementation `xml:"implementation"`
	FHIRVersion    xmlValue          `xml:"fhirVersion"`
	Format         []xmlValue        `xml:"format"`
	Rest           []xmlRest         `xml:"rest"`
}

type xmlSoftware struct {
	Name    xmlValue `xml:"name"`
	Version xmlValue `xml:"version"`
}

type xmlImplementation struct {
	Description xmlValue `xml:"description"`
	URL         xmlValue `xml:"url"`
}

type xmlRest struct {
	Mode      xmlValue       `xml:"mode"`
	Resource  []xmlResource  `xml:"resource"`
	Operation []xmlOperation `xml:"operation"`
}

type xmlResource struct {
	Type        xmlValue         `xml:"type"`
	Profile     xmlValue         `xml:"profile"`
	Interaction []xmlInteraction `xml:"interaction"`
	SearchParam []xmlSearchParam `xml:"searchParam"`
}

type xmlInteraction struct {
	Code xmlValue `xml:"code"`
}

type xmlSearchParam struct {
	Name xmlValue `xml:"name"`
	Type xmlValue `xml:"type"`
}

type xmlOperation struct {
	Name       xmlValue `xml:"name"`
	Definition xmlValue `xml:"definition"`
}
