package bot

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"time"

	"github.com/mdp/qrterminal"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
)

// pairingClient is what the QR pairing loop needs from the client.
type pairingClient interface {
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	Connect() error
	Disconnect()
	IsConnected() bool
	IsLoggedIn() bool
}

// qrState holds the latest pairing code as a base64 PNG.
type qrState struct {
	mu   sync.RWMutex
	code string
}

func (q *qrState) set(code string) {
	q.mu.Lock()
	q.code = code
	q.mu.Unlock()
}

func (q *qrState) get() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.code
}

func encodeQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

type pairing struct {
	client   pairingClient
	state    *qrState
	terminal io.Writer
	log      zerolog.Logger
	retry    time.Duration
}

// run keeps issuing QR batches until the device is paired or ctx ends.
// It returns true once pairing succeeded.
func (p *pairing) run(ctx context.Context) bool {
	for ctx.Err() == nil {
		qrChan, err := p.client.GetQRChannel(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("failed to get QR channel")
			return false
		}
		if !p.client.IsConnected() {
			if err := p.client.Connect(); err != nil {
				p.log.Error().Err(err).Msg("failed to connect for QR")
				if !sleep(ctx, p.retry) {
					return false
				}
				continue
			}
		}

		expired := false
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				if p.terminal != nil {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, p.terminal)
				}
				png, err := encodeQR(evt.Code)
				if err != nil {
					p.log.Warn().Err(err).Msg("failed to render QR code")
					continue
				}
				p.state.set(png)
				p.log.Info().Msg("QR code updated, scan it with WhatsApp")
			case "success":
				p.state.set("")
				p.log.Info().Msg("QR pairing successful")
				return true
			case "timeout":
				p.log.Info().Msg("QR batch expired, regenerating")
				expired = true
			}
		}

		if expired {
			p.state.set("")
			p.client.Disconnect()
			if !sleep(ctx, p.retry) {
				return false
			}
			continue
		}
		if p.client.IsLoggedIn() {
			p.state.set("")
			return true
		}
		p.log.Warn().Msg("QR channel closed unexpectedly, retrying")
		if !sleep(ctx, p.retry) {
			return false
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
