package dispatch

import (
	"context"

	"heraldbot/internal/transport"
)

// Payload is the message a campaign delivers. It is a closed union: the
// unexported send method keeps implementations inside this package, so
// every consumption site handles exactly the four supported kinds.
type Payload interface {
	Kind() string
	send(ctx context.Context, s transport.Sender, to transport.ChatTarget) error
}

type Text struct {
	Body           string
	Entities       []transport.Entity
	DisablePreview bool
}

func (Text) Kind() string { return "text" }

func (p Text) send(ctx context.Context, s transport.Sender, to transport.ChatTarget) error {
	_, err := s.SendText(ctx, to, p.Body, &transport.SendOptions{
		Entities:       p.Entities,
		DisablePreview: p.DisablePreview,
	})
	return err
}

type Photo struct {
	Ref             string
	Caption         string
	CaptionEntities []transport.Entity
}

func (Photo) Kind() string { return "photo" }

func (p Photo) send(ctx context.Context, s transport.Sender, to transport.ChatTarget) error {
	_, err := s.SendPhoto(ctx, to, transport.Media{Ref: p.Ref, Caption: p.Caption, CaptionEntities: p.CaptionEntities})
	return err
}

type Video struct {
	Ref             string
	Caption         string
	CaptionEntities []transport.Entity
}

func (Video) Kind() string { return "video" }

func (p Video) send(ctx context.Context, s transport.Sender, to transport.ChatTarget) error {
	_, err := s.SendVideo(ctx, to, transport.Media{Ref: p.Ref, Caption: p.Caption, CaptionEntities: p.CaptionEntities})
	return err
}

type Document struct {
	Ref             string
	Caption         string
	CaptionEntities []transport.Entity
}

func (Document) Kind() string { return "document" }

func (p Document) send(ctx context.Context, s transport.Sender, to transport.ChatTarget) error {
	_, err := s.SendDocument(ctx, to, transport.Media{Ref: p.Ref, Caption: p.Caption, CaptionEntities: p.CaptionEntities})
	return err
}

// FromMessage builds a Payload from an incoming operator message, or nil
// if the content type is not broadcastable.
func FromMessage(m *transport.Message) Payload {
	switch {
	case m.PhotoRef != "":
		return Photo{Ref: m.PhotoRef, Caption: m.Caption, CaptionEntities: m.CaptionEntities}
	case m.VideoRef != "":
		return Video{Ref: m.VideoRef, Caption: m.Caption, CaptionEntities: m.CaptionEntities}
	case m.DocumentRef != "":
		return Document{Ref: m.DocumentRef, Caption: m.Caption, CaptionEntities: m.CaptionEntities}
	case m.Text != "":
		return Text{Body: m.Text, Entities: m.Entities}
	default:
		return nil
	}
}
