// Command kmsinfo opens a DRM card and dumps its mode-setting resource
// graph: connectors with their probed modes, CRTCs, encoders and planes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/graph"
	"github.com/NeowayLabs/kms/mode"
)

func main() {
	card := flag.Int("card", 0, "card index under /dev/dri")
	device := flag.String("device", "", "explicit device node path, overrides -card")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	dev, err := openCard(*card, *device)
	if err != nil {
		log.Fatalf("%v", err)
	}

	printDriver(dev.File())

	res, err := graph.Initialize(dev)
	if err != nil {
		dev.Close()
		log.Fatalf("initializing resource graph: %v", err)
	}
	defer res.Close()

	printConnectors(res)
	printCrtcs(res)
	printEncoders(res)
	printPlanes(res)
}

func openCard(card int, device string) (*graph.CardDevice, error) {
	if device != "" {
		return graph.OpenCardPath(device)
	}
	return graph.OpenCard(card)
}

func printDriver(file *os.File) {
	v, err := kms.GetVersion(file)
	if err != nil {
		log.Warnf("driver version: %v", err)
		return
	}
	fmt.Printf("driver: %s %d.%d.%d (%s) %s\n",
		v.Name, v.Major, v.Minor, v.Patch, v.Date, v.Desc)
	fmt.Printf("caps:   dumb-buffer=%v prime=%v monotonic=%v\n\n",
		kms.HasDumbBuffer(file),
		capSet(file, kms.CapPrime),
		capSet(file, kms.CapTimestampMonotonic))
}

func capSet(file *os.File, capid uint64) bool {
	val, err := kms.GetCap(file, capid)
	return err == nil && val != 0
}

func printConnectors(res *graph.Resources) {
	for _, conn := range res.Connectors() {
		fmt.Printf("connector %d: %s, %s, display %d\n",
			conn.ID(), conn.Name(), stateName(conn.State()), conn.Display())

		if w, h := conn.PhysicalSize(); w != 0 || h != 0 {
			fmt.Printf("  physical size: %dx%d mm\n", w, h)
		}
		if enc := conn.EncoderID(); enc != 0 {
			fmt.Printf("  encoder: %d\n", enc)
		}

		for _, m := range conn.Modes() {
			mark := " "
			if m.Preferred() {
				mark = "*"
			}
			fmt.Printf("  %smode %d: %s @ %.2fHz clock %d\n",
				mark, m.ID, m.Name, m.Refresh(), m.Clock)
			if x, y, ok := conn.DPI(m); ok && m.Preferred() {
				fmt.Printf("    dpi: %.0fx%.0f\n", x, y)
			}
		}
	}
	fmt.Println()
}

func printCrtcs(res *graph.Resources) {
	for _, c := range res.Crtcs() {
		fmt.Printf("crtc %d: pipe %d, display %d\n", c.ID(), c.Pipe(), c.Display())
	}
	fmt.Println()
}

func printEncoders(res *graph.Resources) {
	for _, e := range res.Encoders() {
		fmt.Printf("encoder %d: type %d, crtc %d, possible crtcs %#x\n",
			e.ID(), e.Type(), e.CrtcID(), e.PossibleCrtcs())
	}
	fmt.Println()
}

func printPlanes(res *graph.Resources) {
	for _, p := range res.Planes() {
		fmt.Printf("plane %d: %s, crtc %d, possible crtcs %#x\n",
			p.ID(), planeTypeName(p.Type()), p.CrtcID(), p.PossibleCrtcs())
		if formats := p.Formats(); len(formats) > 0 {
			fmt.Printf("  formats:")
			for _, f := range formats {
				fmt.Printf(" %s", fourcc(f))
			}
			fmt.Println()
		}
	}
}

func stateName(state uint8) string {
	switch state {
	case mode.Connected:
		return "connected"
	case mode.Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func planeTypeName(typ uint64) string {
	switch typ {
	case mode.PlaneTypePrimary:
		return "primary"
	case mode.PlaneTypeCursor:
		return "cursor"
	default:
		return "overlay"
	}
}

func fourcc(v uint32) string {
	return string([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}
