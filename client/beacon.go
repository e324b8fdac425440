package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Beacon releases reservations without waiting for the outcome. It is how a page being
// unloaded gives its stock back.
type Beacon interface {
	Release(IDs []string)
}

type HTTPBeacon struct {
	url     string
	http    *http.Client
	timeout time.Duration
}

// Release posts the ids as text/plain in the background and returns immediately.
func (b *HTTPBeacon) Release(IDs []string) {
	if len(IDs) == 0 {
		return
	}
	body, err := json.Marshal(idsRequest{ReservationIDs: IDs})
	if err != nil {
		log.Err(err).Msg("failed to encode release beacon")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
		if err != nil {
			log.Err(err).Msg("failed to build release beacon")
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

		res, err := b.http.Do(req)
		if err != nil {
			log.Debug().Err(err).Strs("ids", IDs).Msg("release beacon was not delivered")
			return
		}
		res.Body.Close()
	}()
}
