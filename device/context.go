// Package device emulates a USB device from recorded traffic.
package device

import (
	"context"

	"github.com/Alia5/usbreplay/usbip"
)

type contextKey int

const (
	ExportMetaKey contextKey = iota
	RemoteAddrKey
)

// WithExportMeta attaches the bus identity of the bound device to ctx.
func WithExportMeta(ctx context.Context, meta *usbip.ExportMeta) context.Context {
	return context.WithValue(ctx, ExportMetaKey, meta)
}

// GetDeviceMeta extracts the device metadata from a transfer context.
// Returns nil if the context doesn't contain device metadata.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(ExportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}

// WithRemoteAddr attaches the address of the USB/IP client to ctx.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}

// GetRemoteAddr returns the client address or "" when unknown.
func GetRemoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(RemoteAddrKey).(string)
	return addr
}
