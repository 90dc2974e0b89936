package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joao-fontenele/courier-dispatch/internal/outbound"
)

var (
	ErrInvalidToken = errors.New("device token is invalid or unregistered")
	ErrUnauthorized = errors.New("push gateway rejected the credential")
)

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
	Android      fcmAndroid        `json:"android"`
	APNS         fcmAPNS           `json:"apns"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority     string                 `json:"priority"`
	Notification fcmAndroidNotification `json:"notification"`
}

type fcmAndroidNotification struct {
	Sound string `json:"sound"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers"`
	Payload fcmAPNSPayload    `json:"payload"`
}

type fcmAPNSPayload struct {
	APS fcmAPS `json:"aps"`
}

type fcmAPS struct {
	Sound string `json:"sound"`
}

type fcmError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func newFCMRequest(token string, n Notification) fcmRequest {
	return fcmRequest{Message: fcmMessage{
		Token:        token,
		Notification: fcmNotification{Title: n.Title, Body: n.Body},
		Data: map[string]string{
			"order_id":        n.OrderID,
			"order_status_id": n.OrderStatusID,
			"terminal_id":     n.TerminalID,
		},
		Android: fcmAndroid{
			Priority:     "high",
			Notification: fcmAndroidNotification{Sound: "default"},
		},
		APNS: fcmAPNS{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: fcmAPNSPayload{APS: fcmAPS{Sound: "default"}},
		},
	}}
}

// Gateway sends single-device messages through the FCM v1 HTTP API.
type Gateway struct {
	client   *outbound.Client
	endpoint string
	project  string
	policy   outbound.Policy
}

func NewGateway(client *outbound.Client, endpoint, project string, policy outbound.Policy) *Gateway {
	return &Gateway{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		project:  project,
		policy:   policy,
	}
}

func (g *Gateway) Send(ctx context.Context, bearer, token string, n Notification) error {
	resp, err := g.client.Do(ctx, outbound.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/v1/projects/%s/messages:send", g.endpoint, g.project),
		Bearer: bearer,
		Body:   newFCMRequest(token, n),
	}, g.policy)
	if err == nil {
		return nil
	}
	return classify(resp, err)
}

func classify(resp outbound.Response, err error) error {
	status := outbound.StatusOf(err)
	switch status {
	case 0:
		return err
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var body fcmError
	if resp.Decode(&body) != nil {
		return err
	}
	for _, d := range body.Error.Details {
		if d.ErrorCode == "UNREGISTERED" {
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if status == http.StatusBadRequest && body.Error.Status == "INVALID_ARGUMENT" &&
		strings.Contains(strings.ToLower(body.Error.Message), "registration token") {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return err
}
