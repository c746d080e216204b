package usb

import "time"

// ServerConfig represents the USB/IP listener configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"USBREPLAY_USB_ADDR"`
	ConnectionTimeout time.Duration `help:"Deadline for a client to finish OP_REQ_DEVLIST or OP_REQ_IMPORT; 0 to disable" default:"30s" env:"USBREPLAY_USB_CONNECTION_TIMEOUT"`
	MaxTransferLength uint32        `help:"Largest OUT transfer buffer accepted from a client" default:"1048576" env:"USBREPLAY_USB_MAX_TRANSFER_LENGTH"`
}
