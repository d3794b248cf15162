package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/utils"
)

const (
	metaGraphAPIBaseURL = "https://graph.facebook.com/v21.0"
)

// Sender is the outbound WhatsApp surface tools and the orchestrator send
// through.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendContact(ctx context.Context, to string, card ContactCard) error
	SendCTAURL(ctx context.Context, to string, cta CTAMessage) error
}

// Client sends messages for one tenant phone number via the Meta Graph API.
type Client struct {
	phoneNumberID string
	accessToken   string
	http          *http.Client
}

func NewClient(phoneNumberID, accessToken string) *Client {
	return &Client{
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ContactCard is the payload for a contacts message.
type ContactCard struct {
	FormattedName string
	Organization  string
	Phone         string
	WaID          string
	URL           string
}

// CTAMessage is the payload for an interactive call-to-action URL message.
type CTAMessage struct {
	Body        string
	DisplayText string
	URL         string
}

// messageRequest represents the Meta API request body
type messageRequest struct {
	MessagingProduct string              `json:"messaging_product"`
	RecipientType    string              `json:"recipient_type"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Text             *textContent        `json:"text,omitempty"`
	Contacts         []contactPayload    `json:"contacts,omitempty"`
	Interactive      *interactivePayload `json:"interactive,omitempty"`
}

type textContent struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type contactPayload struct {
	Name   contactName    `json:"name"`
	Org    *contactOrg    `json:"org,omitempty"`
	Phones []contactPhone `json:"phones,omitempty"`
	URLs   []contactURL   `json:"urls,omitempty"`
}

type contactName struct {
	FormattedName string `json:"formatted_name"`
	FirstName     string `json:"first_name"`
}

type contactOrg struct {
	Company string `json:"company"`
}

type contactPhone struct {
	Phone string `json:"phone"`
	Type  string `json:"type"`
	WaID  string `json:"wa_id,omitempty"`
}

type contactURL struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type interactivePayload struct {
	Type   string            `json:"type"`
	Body   interactiveBody   `json:"body"`
	Action interactiveAction `json:"action"`
}

type interactiveBody struct {
	Text string `json:"text"`
}

type interactiveAction struct {
	Name       string              `json:"name"`
	Parameters ctaActionParameters `json:"parameters"`
}

type ctaActionParameters struct {
	DisplayText string `json:"display_text"`
	URL         string `json:"url"`
}

// messageResponse from Meta API
type messageResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Messages         []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a plain text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	resp, err := c.send(ctx, &messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text: &textContent{
			PreviewURL: false,
			Body:       body,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("no message ID returned from Meta API")
	}
	return resp.Messages[0].ID, nil
}

// SendContact sends a contact card.
func (c *Client) SendContact(ctx context.Context, to string, card ContactCard) error {
	contact := contactPayload{
		Name: contactName{
			FormattedName: card.FormattedName,
			FirstName:     card.FormattedName,
		},
	}
	if card.Organization != "" {
		contact.Org = &contactOrg{Company: card.Organization}
	}
	if card.Phone != "" {
		contact.Phones = []contactPhone{{Phone: card.Phone, Type: "WORK", WaID: card.WaID}}
	}
	if card.URL != "" {
		contact.URLs = []contactURL{{URL: card.URL, Type: "WORK"}}
	}

	_, err := c.send(ctx, &messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "contacts",
		Contacts:         []contactPayload{contact},
	})
	return err
}

// SendCTAURL sends an interactive message with a single call-to-action link.
func (c *Client) SendCTAURL(ctx context.Context, to string, cta CTAMessage) error {
	_, err := c.send(ctx, &messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive: &interactivePayload{
			Type: "cta_url",
			Body: interactiveBody{Text: cta.Body},
			Action: interactiveAction{
				Name: "cta_url",
				Parameters: ctaActionParameters{
					DisplayText: cta.DisplayText,
					URL:         cta.URL,
				},
			},
		},
	})
	return err
}

func (c *Client) send(ctx context.Context, reqBody *messageRequest) (*messageResponse, error) {
	url := fmt.Sprintf("%s/%s/messages", metaGraphAPIBaseURL, c.phoneNumberID)

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		utils.Zlog.Error("Meta API rejected outbound message",
			zap.Int("status", resp.StatusCode),
			zap.String("type", reqBody.Type),
			zap.Any("error", errBody))
		return nil, fmt.Errorf("meta API error (status %d): %v", resp.StatusCode, errBody)
	}

	var msgResp messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &msgResp, nil
}
