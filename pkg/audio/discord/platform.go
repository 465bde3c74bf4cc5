// Package discord provides an [audio.Platform] backed by a Discord voice
// channel via bwmarrin/discordgo. Incoming Opus is decoded per speaker into
// 48 kHz stereo PCM frames; outgoing PCM is re-chunked into 20 ms Opus frames.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] on a discordgo session.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	owned   bool
}

// New wraps an already open session. The caller keeps ownership of it.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{session: session, guildID: guildID}
}

// Open creates and opens a bot session for token. [Platform.Close] closes it.
func Open(token, guildID string) (*Platform, error) {
	if token == "" {
		return nil, errors.New("discord: bot token must not be empty")
	}
	if guildID == "" {
		return nil, errors.New("discord: guild ID must not be empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return &Platform{session: s, guildID: guildID, owned: true}, nil
}

// Connect joins the voice channel channelID. ctx bounds the join only.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if channelID == "" {
		return nil, errors.New("discord: voice channel ID must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// mute=false so we can speak, deaf=false so we receive audio.
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, p.guildID), nil
}

// Close closes the session if it was created by [Open].
func (p *Platform) Close() error {
	if !p.owned {
		return nil
	}
	return p.session.Close()
}
