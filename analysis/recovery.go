// Package analysis recovers descriptors from paired captures and ranks
// recorded requests by similarity to a live one.
package analysis

import (
	"sort"

	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/usb"
)

// Record is a recovered descriptor and the wLength of the request that
// produced it.
type Record struct {
	Length uint16
	Data   []byte
}

// Text decodes a recovered string descriptor.
func (r Record) Text() string { return usb.DecodeStringDescriptor(r.Data) }

// StringKey addresses a string descriptor.
type StringKey struct {
	Language uint16
	Index    uint8
}

// ReportKey addresses a HID report descriptor.
type ReportKey struct {
	Interface uint8
	Index     uint8
}

// Keep stores r under k unless the stored record was requested with an equal
// or greater length. It reports whether r was stored.
func Keep[K comparable](m map[K]Record, k K, r Record) bool {
	if cur, ok := m[k]; ok && cur.Length >= r.Length {
		return false
	}
	m[k] = r
	return true
}

// answered yields the decoded setup and response of every answered control
// pair in corpus order.
func answered(pairs []*capture.Pair, fn func(s usb.Setup, resp []byte)) {
	for _, p := range pairs {
		if p == nil || p.Submit == nil || p.Submit.TransferType != usb.TransferControl {
			continue
		}
		resp, ok := p.Response()
		if !ok {
			continue
		}
		fn(p.Submit.DecodedSetup(), resp)
	}
}

func record(s usb.Setup, resp []byte) Record {
	return Record{Length: s.Length, Data: append([]byte(nil), resp...)}
}

// Device returns the device descriptor answered to the longest
// GET_DESCRIPTOR(DEVICE, 0) request.
func Device(pairs []*capture.Pair) (Record, bool) {
	m := map[struct{}]Record{}
	answered(pairs, func(s usb.Setup, resp []byte) {
		if s.Kind == usb.DeviceGetDescriptor && s.DescriptorType() == usb.DeviceDescType && s.DescriptorIndex() == 0 {
			Keep(m, struct{}{}, record(s, resp))
		}
	})
	r, ok := m[struct{}{}]
	return r, ok
}

// Configurations returns configuration bundles by descriptor index.
func Configurations(pairs []*capture.Pair) map[uint8]Record {
	m := map[uint8]Record{}
	answered(pairs, func(s usb.Setup, resp []byte) {
		if s.Kind == usb.DeviceGetDescriptor && s.DescriptorType() == usb.ConfigDescType {
			Keep(m, s.DescriptorIndex(), record(s, resp))
		}
	})
	return m
}

// Strings returns string descriptors by language and index. Index 0 holds
// the language list and is not a string.
func Strings(pairs []*capture.Pair) map[StringKey]Record {
	m := map[StringKey]Record{}
	answered(pairs, func(s usb.Setup, resp []byte) {
		if s.Kind == usb.DeviceGetDescriptor && s.DescriptorType() == usb.StringDescType && s.DescriptorIndex() != 0 {
			Keep(m, StringKey{Language: s.LanguageID(), Index: s.DescriptorIndex()}, record(s, resp))
		}
	})
	return m
}

// HIDReports returns HID report descriptors by interface and index.
func HIDReports(pairs []*capture.Pair) map[ReportKey]Record {
	m := map[ReportKey]Record{}
	answered(pairs, func(s usb.Setup, resp []byte) {
		if s.Kind == usb.HIDReport {
			Keep(m, ReportKey{Interface: s.InterfaceNumber(), Index: s.DescriptorIndex()}, record(s, resp))
		}
	})
	return m
}

// Descriptors bundles everything recovered from one corpus.
type Descriptors struct {
	Device         *Record
	Configurations map[uint8]Record
	Strings        map[StringKey]Record
	HIDReports     map[ReportKey]Record
}

// Recover runs every scan over pairs.
func Recover(pairs []*capture.Pair) Descriptors {
	d := Descriptors{
		Configurations: Configurations(pairs),
		Strings:        Strings(pairs),
		HIDReports:     HIDReports(pairs),
	}
	if r, ok := Device(pairs); ok {
		d.Device = &r
	}
	return d
}

// Languages lists the language ids of the recovered strings in ascending order.
func (d Descriptors) Languages() []uint16 {
	seen := map[uint16]bool{}
	var out []uint16
	for k := range d.Strings {
		if !seen[k.Language] {
			seen[k.Language] = true
			out = append(out, k.Language)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
