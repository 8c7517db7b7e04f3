package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// InvalidTicketError is returned when the token endpoint rejects a ticket.
// Body is the upstream answer, unmodified.
type InvalidTicketError struct {
	Status int
	Body   string
}

func (e *InvalidTicketError) Error() string {
	return fmt.Sprintf("token endpoint rejected ticket: status=%d", e.Status)
}

// Exchanger redeems CAS tickets (authorization codes) at the IDP token endpoint.
type Exchanger struct {
	endpoints  Endpoints
	httpClient *http.Client
	timeout    time.Duration
	recorder   Recorder
}

// NewExchanger constructs an Exchanger. A nil httpClient uses http.DefaultClient.
func NewExchanger(endpoints Endpoints, httpClient *http.Client, timeout time.Duration, recorder Recorder) *Exchanger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Exchanger{
		endpoints:  endpoints,
		httpClient: httpClient,
		timeout:    timeout,
		recorder:   recorderOrNop(recorder),
	}
}

// ExchangeTicket performs the authorization code grant with the service's own
// credentials and returns the raw id_token. callbackURL must be the
// redirect_uri used at authorize time.
func (x *Exchanger) ExchangeTicket(ctx context.Context, reg ServiceRegistration, ticket, callbackURL string) (_ string, err error) {
	started := time.Now()
	defer func() { x.recorder.ObserveUpstream(CallTokenExchange, started, err) }()

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, x.httpClient)

	tok, err := x.endpoints.AuthCodeConfig(reg, callbackURL, nil).Exchange(ctx, ticket)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			return "", &InvalidTicketError{Status: rErr.Response.StatusCode, Body: string(rErr.Body)}
		}
		return "", fmt.Errorf("exchange ticket: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return "", errors.New("exchange ticket: token response has no id_token")
	}
	return idToken, nil
}
