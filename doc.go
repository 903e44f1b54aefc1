// Package kms provides a library to manage DRM (Direct Rendering Manager)
// and KMS (Kernel Mode Setting) display resources and to drive atomic
// display updates. The root package opens the card node and negotiates
// device and client capabilities; kms/mode speaks the kernel mode-setting
// ABI; kms/graph owns the enumerated resources and resolves
// connector/encoder/CRTC display pipes; kms/pipeline runs the per-display
// commit, vsync and hotplug machinery a compositor backend needs.
package kms
