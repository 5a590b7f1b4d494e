package kalshi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/alejandrodnm/kalshimm/internal/ports"
	"github.com/gorilla/websocket"
)

// DefaultWSURL es el endpoint de streaming de producción.
const DefaultWSURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"

// Dialer abre conexiones websocket autenticadas. Implementa ports.StreamDialer.
type Dialer struct {
	url         string
	path        string
	signer      *Signer
	dialer      *websocket.Dialer
	readTimeout time.Duration
}

// NewDialer crea un Dialer. readTimeout se renueva con cada ping del servidor.
func NewDialer(wsURL string, signer *Signer, readTimeout time.Duration) (*Dialer, error) {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("kalshi.NewDialer: parse url: %w", err)
	}
	return &Dialer{
		url:    wsURL,
		path:   u.Path,
		signer: signer,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		readTimeout: readTimeout,
	}, nil
}

// Dial hace el handshake firmado. Un rechazo se devuelve como
// *domain.ConnectionError con el status HTTP.
func (d *Dialer) Dial(ctx context.Context) (ports.StreamConn, error) {
	headers, err := d.signer.Headers(http.MethodGet, d.path)
	if err != nil {
		return nil, &domain.ConnectionError{Err: err}
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.url, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, &domain.ConnectionError{Status: status, Err: err}
	}

	// Los pings del servidor renuevan el read deadline.
	if d.readTimeout > 0 {
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(d.readTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		})
	}
	return conn, nil
}
