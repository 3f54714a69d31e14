package scheduler

import "context"

// CarrierStatus is the modem's live view of one subcarrier.
type CarrierStatus struct {
	ID       int
	SNR      float64 // dB
	BER      float64
	Capacity float64 // bits per symbol, 0 when the modem does not report it
	Enabled  bool
}

// Modem is the transport the scheduler drives. TransmitOnCarrier blocks until
// the data has been sent or rejected; a non-nil error is handled as a failure
// of that carrier for the allocation.
type Modem interface {
	CarrierStatus() []CarrierStatus
	TransmitOnCarrier(ctx context.Context, carrierID int, data []byte) error
}
