package kms_test

import (
	"fmt"

	"github.com/NeowayLabs/kms"
)

func ExampleHasDumbBuffer() {
	// This example shows how to test if your graphics card
	// supports 'dumb buffers' capability. With this capability
	// you can create simple memory-mapped buffers without any
	// driver-dependent code.

	file, err := kms.OpenCard(0)
	if err != nil {
		fmt.Printf("error: %s", err.Error())
		return
	}
	defer file.Close()
	if !kms.HasDumbBuffer(file) {
		fmt.Printf("drm device does not support dumb buffers")
		return
	}
	fmt.Printf("ok")
}
