package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64

	// flushAfter pads and sends a partial Opus frame once output has been
	// quiet this long, so the tail of an utterance is not held back.
	flushAfter = 60 * time.Millisecond
)

// Connection adapts a discordgo.VoiceConnection to [audio.Connection].
// Input streams are keyed by Discord user ID once the speaker is known and by
// SSRC before that.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	mu       sync.RWMutex
	inputs   map[string]chan audio.AudioFrame
	ssrcUser map[uint32]string

	output chan audio.AudioFrame

	changeMu sync.Mutex
	changeCb func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()
	disconnectVC  func() error
}

func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		inputs:       make(map[string]chan audio.AudioFrame),
		ssrcUser:     make(map[uint32]string),
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	go c.sendLoop()
	return c
}

// InputStreams returns a snapshot of the per-speaker input channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the channel whose frames are sent to the channel.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// OnParticipantChange replaces the join/leave callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and closes every input stream.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		c.mu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
		c.mu.Unlock()
	})
	return err
}

// participant returns the stream key for ssrc and its channel, creating the
// channel on first use.
func (c *Connection) participant(ssrc uint32) (string, chan audio.AudioFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, known := c.ssrcUser[ssrc]
	if !known {
		key = strconv.FormatUint(uint64(ssrc), 10)
		c.ssrcUser[ssrc] = key
	}
	ch, ok := c.inputs[key]
	if !ok {
		ch = make(chan audio.AudioFrame, inputChannelBuffer)
		c.inputs[key] = ch
	}
	return key, ch, !ok
}

func (c *Connection) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				if dec, err = newOpusDecoder(); err != nil {
					slog.Error("discord: create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			key, ch, created := c.participant(pkt.SSRC)
			if created {
				c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: key})
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode", "participant", key, "err", err)
				continue
			}
			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / opusSampleRate,
			}
			c.deliver(key, ch, frame)
		}
	}
}

// deliver drops the frame when the consumer is too slow or the stream was
// closed by a leave.
func (c *Connection) deliver(key string, ch chan audio.AudioFrame, frame audio.AudioFrame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inputs[key] != ch {
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: create opus encoder", "err", err)
		return
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}
	const frameBytes = opusFrameSize * opusChannels * 2

	flush := time.NewTimer(flushAfter)
	flush.Stop()
	defer flush.Stop()

	speaking := false
	var buf []byte
	send := func(pcm []byte) bool {
		opus, err := enc.encode(pcm)
		if err != nil {
			slog.Warn("discord: opus encode", "err", err)
			return true
		}
		select {
		case c.vc.OpusSend <- opus:
			return true
		case <-c.done:
			return false
		}
	}

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-flush.C:
			if len(buf) > 0 {
				padded := make([]byte, frameBytes)
				copy(padded, buf)
				buf = buf[:0]
				if !send(padded) {
					return
				}
			}
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
		case frame := <-c.output:
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			buf = append(buf, conv.Convert(frame).Data...)
			for len(buf) >= frameBytes {
				if !send(buf[:frameBytes]) {
					return
				}
				buf = buf[frameBytes:]
			}
			flush.Reset(flushAfter)
		}
	}
}

// handleSpeakingUpdate learns which user owns an SSRC and renames the stream.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs.UserID == "" {
		return
	}
	ssrc := uint32(vs.SSRC)
	c.mu.Lock()
	old, known := c.ssrcUser[ssrc]
	c.ssrcUser[ssrc] = vs.UserID
	if known && old != vs.UserID {
		if ch, ok := c.inputs[old]; ok {
			delete(c.inputs, old)
			if _, taken := c.inputs[vs.UserID]; !taken {
				c.inputs[vs.UserID] = ch
			} else {
				close(ch)
			}
		}
	}
	c.mu.Unlock()
}

func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}
	channelID := c.vc.ChannelID
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID
	joined := vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID)
	switch {
	case left:
		c.removeParticipant(vsu.UserID)
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case joined:
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

func (c *Connection) removeParticipant(userID string) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.inputs[userID]; ok {
		close(ch)
		delete(c.inputs, userID)
	}
}

func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification", "speaking", b, "err", err)
	}
}

func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
