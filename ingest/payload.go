package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/utils"
)

// inbound is a decoded and validated payload
type inbound struct {
	payload     models.InboundPayload
	externalID  string
	headers     map[string]string
	subject     string
	attachments []decodedAttachment
	raw         []byte
}

type decodedAttachment struct {
	filename string
	mimeType string
	content  []byte
}

// decodePayload parses the webhook body. Every failure wraps ErrMalformed.
func decodePayload(body []byte) (*inbound, error) {
	var p models.InboundPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	in := &inbound{
		payload: p,
		headers: make(map[string]string, len(p.Headers)),
		subject: p.Subject,
	}
	for k, v := range p.Headers {
		in.headers[k] = v
	}

	if p.RawMessage != "" {
		raw, err := decodeBase64(p.RawMessage)
		if err != nil {
			return nil, fmt.Errorf("%w: rawMessage is not valid base64", ErrMalformed)
		}
		in.raw = raw
		mergeRawHeaders(in, raw)
	}

	for i, a := range p.Attachments {
		content, err := decodeBase64(a.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %d is not valid base64", ErrMalformed, i)
		}
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		in.attachments = append(in.attachments, decodedAttachment{
			filename: a.Filename,
			mimeType: mimeType,
			content:  content,
		})
	}

	in.externalID = utils.NormalizeMessageID(p.ExternalMessageID)
	if in.externalID == "" {
		in.externalID = utils.NormalizeMessageID(utils.HeaderValue(in.headers, "Message-ID"))
	}
	if in.externalID == "" {
		return nil, fmt.Errorf("%w: externalMessageId is required", ErrMalformed)
	}

	p.From.Address = strings.ToLower(strings.TrimSpace(p.From.Address))
	if p.From.Address == "" {
		return nil, fmt.Errorf("%w: from.address is required", ErrMalformed)
	}
	if strings.TrimSpace(p.To) == "" {
		return nil, fmt.Errorf("%w: to is required", ErrMalformed)
	}
	in.payload.From = p.From

	return in, nil
}

// mergeRawHeaders fills threading headers and the subject the relay left out
// from the raw message. A raw message that does not parse is ignored.
func mergeRawHeaders(in *inbound, raw []byte) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		utils.Log.Debug("raw message headers unreadable: %v", err)
		return
	}
	defer mr.Close()

	h := mr.Header
	if utils.HeaderValue(in.headers, "Message-ID") == "" {
		if id, err := h.MessageID(); err == nil && id != "" {
			in.headers["Message-ID"] = "<" + id + ">"
		}
	}
	for _, name := range []string{"References", "In-Reply-To"} {
		if utils.HeaderValue(in.headers, name) != "" {
			continue
		}
		ids, err := h.MsgIDList(name)
		if err != nil || len(ids) == 0 {
			continue
		}
		wrapped := make([]string, len(ids))
		for i, id := range ids {
			wrapped[i] = "<" + id + ">"
		}
		in.headers[name] = strings.Join(wrapped, " ")
	}
	if in.subject == "" {
		if subject, err := h.Subject(); err == nil {
			in.subject = subject
		}
	}
}

// decodeBase64 accepts padded and unpadded input, with or without line breaks
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// routeRecipient returns the lowercased local part of the first recipient
// whose domain is domain.
func routeRecipient(to, domain string) (string, error) {
	addresses, err := mail.ParseAddressList(to)
	if err != nil {
		return "", fmt.Errorf("%w: cannot parse recipient %q: %v", ErrRouting, to, err)
	}

	for _, addr := range addresses {
		at := strings.LastIndex(addr.Address, "@")
		if at <= 0 {
			continue
		}
		if strings.EqualFold(addr.Address[at+1:], domain) {
			return strings.ToLower(addr.Address[:at]), nil
		}
	}
	return "", fmt.Errorf("%w: no recipient at %s in %q", ErrRouting, domain, to)
}
