package toolchain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// pinPattern matches 8051 port pin identifiers in source, in both SDCC
// underscore form (P1_0) and datasheet form (P1.0).
var pinPattern = regexp.MustCompile(`\bP([0-3])[._]([0-7])\b`)

// schematicDoc is the JSON netlist stored as the "schematic" artifact.
// It describes the MCU, its standard support circuitry, and one component
// per port pin the firmware drives.
type schematicDoc struct {
	MCU        string      `json:"mcu"`
	Components []component `json:"components"`
	Nets       []net       `json:"nets"`
}

type component struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type net struct {
	Name  string   `json:"name"`
	Nodes []string `json:"nodes"`
}

// RenderSchematic derives a netlist from firmware source: the MCU with
// crystal and reset circuitry, plus a peripheral per referenced port pin.
// UART usage adds a serial terminal on P3.0/P3.1.
func RenderSchematic(source string) []byte {
	doc := schematicDoc{
		MCU: "AT89C51",
		Components: []component{
			{ID: "U1", Type: "AT89C51"},
			{ID: "X1", Type: "CRYSTAL-12MHZ"},
			{ID: "C1", Type: "CAP-22PF"},
			{ID: "C2", Type: "CAP-22PF"},
			{ID: "R1", Type: "RES-10K"},
			{ID: "C3", Type: "CAP-10UF"},
		},
		Nets: []net{
			{Name: "XTAL1", Nodes: []string{"U1.XTAL1", "X1.1", "C1.1"}},
			{Name: "XTAL2", Nodes: []string{"U1.XTAL2", "X1.2", "C2.1"}},
			{Name: "RST", Nodes: []string{"U1.RST", "R1.1", "C3.1"}},
		},
	}

	serial := strings.Contains(source, "SBUF") || strings.Contains(source, "SCON")

	pins := map[string]bool{}
	for _, m := range pinPattern.FindAllStringSubmatch(source, -1) {
		pins[m[1]+"."+m[2]] = true
	}

	ordered := make([]string, 0, len(pins))
	for pin := range pins {
		ordered = append(ordered, pin)
	}
	sort.Strings(ordered)

	for i, pin := range ordered {
		if serial && (pin == "3.0" || pin == "3.1") {
			continue
		}
		id := fmt.Sprintf("D%d", i+1)
		doc.Components = append(doc.Components,
			component{ID: id, Type: "LED"},
			component{ID: fmt.Sprintf("R%d", i+2), Type: "RES-330"},
		)
		doc.Nets = append(doc.Nets, net{
			Name:  "P" + pin,
			Nodes: []string{"U1.P" + pin, id + ".A"},
		})
	}

	if serial {
		doc.Components = append(doc.Components, component{ID: "J1", Type: "SERIAL-TERMINAL"})
		doc.Nets = append(doc.Nets,
			net{Name: "RXD", Nodes: []string{"U1.P3.0", "J1.TX"}},
			net{Name: "TXD", Nodes: []string{"U1.P3.1", "J1.RX"}},
		)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		// The document is built from plain structs; marshal cannot fail.
		return []byte("{}")
	}
	return data
}
