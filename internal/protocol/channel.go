package protocol

import (
	"fmt"
	"regexp"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
)

var channelNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidChannelName reports whether name may identify a channel. The same rule
// guards joins, messages and on-disk paths.
func ValidChannelName(name string) bool {
	return channelNameRe.MatchString(name)
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("channelname", func(fl validator.FieldLevel) bool {
		return ValidChannelName(fl.Field().String())
	})
}

// User is one member of a channel as presented to every client.
type User struct {
	UserUUID    string `json:"userUuid"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	JoinedAt    int64  `json:"joinedAt"`
}

// JoinRequest is the validated content of a join-channel frame.
type JoinRequest struct {
	UserUUID    string `validate:"required,max=128"`
	DisplayName string `validate:"required,max=128"`
	ChannelName string `validate:"required,channelname"`
	Color       string `validate:"omitempty,hexcolor"`
}

// ParseJoin extracts and validates a join request.
func ParseJoin(e Envelope) (JoinRequest, error) {
	req := JoinRequest{
		UserUUID:    e.UserUUID,
		DisplayName: e.String("displayName"),
		ChannelName: e.ChannelName,
		Color:       e.String("color"),
	}
	if err := validate.Struct(req); err != nil {
		return JoinRequest{}, xerrors.Errorf("join-channel: %w", err)
	}
	if req.Color == "" {
		req.Color = ColorFor(req.ChannelName, req.UserUUID)
	}
	return req, nil
}

var palette = [...]string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#9a6324",
	"#469990", "#800000", "#808000", "#000075",
}

// ColorFor derives a stable presentation color for a user in a channel.
func ColorFor(channel, userID string) string {
	h := xxhash.Sum64String(fmt.Sprintf("%s\x00%s", channel, userID))
	return palette[h%uint64(len(palette))]
}
