package idp

import "time"

// Upstream call names reported to a Recorder.
const (
	CallManagementToken = "management_token"
	CallListClients     = "list_clients"
	CallTokenExchange   = "token_exchange"
	CallJWKS            = "jwks"
)

// Cache names reported to a Recorder.
const (
	CacheServices    = "services"
	CacheSigningKeys = "signing_keys"
)

// Recorder receives instrumentation events from the IDP clients.
type Recorder interface {
	ObserveUpstream(call string, started time.Time, err error)
	ObserveCache(cache string, hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveUpstream(string, time.Time, error) {}
func (nopRecorder) ObserveCache(string, bool)                {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
