// Package commands implements the state machine of client commands.
// Every mutating command runs inside roomstate.Repository.Mutate;
// validation failures become an *apierrors.CodedError sent back to the
// sender only, and never touch room state.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/syncwatch/room-backend/internal/apierrors"
	"github.com/syncwatch/room-backend/internal/broadcast"
	"github.com/syncwatch/room-backend/internal/clientregistry"
	"github.com/syncwatch/room-backend/internal/roomstate"
	"github.com/syncwatch/room-backend/internal/videomodel"
)

// AssetAdapter is the external catalog surface the dispatcher consumes.
type AssetAdapter interface {
	IsEmbeddable(ctx context.Context, videoID string) (bool, error)
	ExpandPlaylist(ctx context.Context, ref string) ([]videomodel.Video, error)
}

// PasswordScheme hashes and verifies room passwords. With Encrypted off,
// passwords are stored and compared as plaintext; with it on, Hash/Verify
// supply the one-way scheme.
type PasswordScheme struct {
	Encrypted bool
	Hash      func(plain string) (string, error)
	Verify    func(stored, provided string) bool
}

func (p PasswordScheme) encode(plain string) (string, error) {
	if plain == "" || !p.Encrypted {
		return plain, nil
	}
	return p.Hash(plain)
}

func (p PasswordScheme) matches(stored, provided string) bool {
	if stored == "" {
		return true
	}
	if !p.Encrypted {
		return stored == provided
	}
	return p.Verify(stored, provided)
}

// AuditWriter records every dispatched command for the append-only audit
// trail; nil disables auditing.
type AuditWriter interface {
	Record(ctx context.Context, roomID, connID, commandType string, payload []byte)
}

const maxRoomIDAttempts = 20

// Dispatcher routes inbound command frames to their handlers.
type Dispatcher struct {
	repo       *roomstate.Repository
	registry   *clientregistry.Registry
	bus        *broadcast.Bus
	assets     AssetAdapter
	passwords  PasswordScheme
	audit      AuditWriter
	historyCap int
	log        *slog.Logger
}

// Config configures a Dispatcher.
type Config struct {
	Repo       *roomstate.Repository
	Registry   *clientregistry.Registry
	Bus        *broadcast.Bus
	Assets     AssetAdapter
	Passwords  PasswordScheme
	Audit      AuditWriter
	HistoryCap int
	Log        *slog.Logger
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		repo:       cfg.Repo,
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		assets:     cfg.Assets,
		passwords:  cfg.Passwords,
		audit:      cfg.Audit,
		historyCap: cfg.HistoryCap,
		log:        cfg.Log,
	}
}

// Dispatch implements wsconn.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		d.replyError(connID, apierrors.CodeInvalidMessage, "")
		return
	}

	if d.audit != nil {
		d.audit.Record(ctx, d.currentRoom(ctx, connID), connID, env.Type, raw)
	}

	var err error
	switch env.Type {
	case "ping":
		d.bus.SendTargeted(connID, "pong", struct{}{})
		return
	case "createRoom":
		err = d.createRoom(ctx, connID, raw)
	case "joinRoom":
		err = d.joinRoom(ctx, connID, raw, apierrors.CodeRoomNotFound)
	case "reJoinRoom":
		err = d.joinRoom(ctx, connID, raw, apierrors.CodeRejoinNotFound)
	case "leaveRoom":
		err = d.leaveRoom(ctx, connID)
	case "closeRoom":
		err = d.closeRoom(ctx, connID)
	case "sendMessage":
		err = d.sendMessage(ctx, connID, raw)
	case "addVideo":
		err = d.addVideo(ctx, connID, raw)
	case "addVideoAndMoveToTop":
		err = d.addVideoAndMoveToTop(ctx, connID, raw)
	case "removeVideoFromQueue":
		err = d.removeVideoFromQueue(ctx, connID, raw)
	case "moveToTop":
		err = d.moveToTop(ctx, connID, raw)
	case "shuffleQueue":
		err = d.shuffleQueue(ctx, connID)
	case "clearQueue":
		err = d.clearQueue(ctx, connID)
	case "clearHistory":
		err = d.clearHistory(ctx, connID)
	case "playNow":
		err = d.playNow(ctx, connID, raw)
	case "nextVideo", "videoFinished":
		err = d.nextVideo(ctx, connID)
	case "play":
		err = d.setPlaying(ctx, connID, true)
	case "pause":
		err = d.setPlaying(ctx, connID, false)
	case "replay":
		err = d.replay(ctx, connID)
	case "seek":
		err = d.seek(ctx, connID, raw)
	case "setVolume":
		err = d.setVolume(ctx, connID, raw)
	case "importPlaylist":
		err = d.importPlaylist(ctx, connID, raw)
	default:
		err = apierrors.New(apierrors.CodeInvalidMessage, "unknown command type")
	}

	if err != nil {
		d.replyErr(ctx, connID, err)
	}
}

// HandleDisconnect implements wsconn.Dispatcher: a connection that closed
// without an explicit leaveRoom gets the same member-removal side effects.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, connID string) {
	roomID := d.currentRoom(ctx, connID)
	if roomID == "" {
		return
	}
	d.leaveRoomSideEffects(ctx, connID, roomID)
}

func (d *Dispatcher) currentRoom(ctx context.Context, connID string) string {
	roomID, ok, err := d.registry.LookupRoom(ctx, connID)
	if err != nil || !ok {
		return ""
	}
	return roomID
}

func (d *Dispatcher) requireRoom(ctx context.Context, connID string) (string, error) {
	roomID := d.currentRoom(ctx, connID)
	if roomID == "" {
		return "", apierrors.New(apierrors.CodeNotInRoom, "")
	}
	return roomID, nil
}

// replyErr reports err to the sender: domain errors as errorWithCode, any
// other failure as a generic "error" frame with a constant message, logged
// with its full context here since the client never sees it.
func (d *Dispatcher) replyErr(ctx context.Context, connID string, err error) {
	var coded *apierrors.CodedError
	if errors.As(err, &coded) {
		if coded.Code == apierrors.CodeInternalError && coded.Cause != nil && d.log != nil {
			d.log.Error("commands: internal error", "connection_id", connID, "error", coded.Cause)
		}
		d.replyError(connID, coded.Code, coded.Message)
		return
	}
	if d.log != nil {
		d.log.Error("commands: unexpected dispatch error", "connection_id", connID, "error", err)
	}
	d.bus.SendTargeted(connID, "error", map[string]string{"message": "Internal server error"})
}

func (d *Dispatcher) replyError(connID string, code apierrors.Code, message string) {
	d.bus.SendTargeted(connID, "errorWithCode", map[string]string{"code": string(code), "message": message})
}

// ---- command implementations ----

func (d *Dispatcher) createRoom(ctx context.Context, connID string, raw []byte) error {
	var frame createRoomFrame
	_ = json.Unmarshal(raw, &frame)

	password, err := d.passwords.encode(frame.Password)
	if err != nil {
		return apierrors.Internal(err)
	}

	var roomID string
	for attempt := 0; attempt < maxRoomIDAttempts; attempt++ {
		candidate := generateRoomID()
		exists, err := d.repo.ExistsID(ctx, candidate)
		if err != nil {
			return apierrors.Internal(err)
		}
		if !exists {
			roomID = candidate
			break
		}
	}
	if roomID == "" {
		return apierrors.New(apierrors.CodeInternalError, "could not allocate a unique room id")
	}

	room := &roomstate.Room{
		ID:           roomID,
		Password:     password,
		CreatorID:    connID,
		Clients:      []string{connID},
		VideoQueue:   nil,
		HistoryQueue: nil,
		PlayingNow:   nil,
		IsPlaying:    false,
		CurrentTime:  0,
		Volume:       100,
		LastActivity: time.Now().UnixMilli(),
	}
	if err := d.repo.Create(ctx, room); err != nil {
		return apierrors.Internal(err)
	}

	if err := d.registry.Bind(ctx, connID, roomID); err != nil {
		return apierrors.Internal(err)
	}
	d.bus.Join(roomID, connID)

	d.bus.SendTargeted(connID, "roomCreated", map[string]string{"roomId": roomID})
	d.bus.SendTargeted(connID, "roomJoined", map[string]interface{}{
		"yourId": connID,
		"room":   room.Sanitized(),
	})
	return nil
}

// generateRoomID draws a uniform random id whose decimal form has exactly
// six digits. The package-level rand functions are safe for concurrent
// use, unlike a per-Dispatcher *rand.Rand.
func generateRoomID() string {
	n := 100000 + rand.Intn(900000)
	return strconv.Itoa(n)
}

func (d *Dispatcher) joinRoom(ctx context.Context, connID string, raw []byte, notFoundCode apierrors.Code) error {
	var frame joinRoomFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	room, err := d.repo.Load(ctx, frame.RoomID)
	if errors.Is(err, roomstate.ErrNotFound) {
		return apierrors.New(notFoundCode, "")
	}
	if err != nil {
		return apierrors.Internal(err)
	}

	if !d.passwords.matches(room.Password, frame.Password) {
		return apierrors.New(apierrors.CodeIncorrectPassword, "")
	}

	// Leave any current room first, so a connection is never a member of
	// two rooms at once, even when rejoining the same room.
	if currentRoomID := d.currentRoom(ctx, connID); currentRoomID != "" {
		d.leaveRoomSideEffects(ctx, connID, currentRoomID)
	}

	updated, err := d.repo.Mutate(ctx, frame.RoomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.AddClient(connID)
		room.Touch(time.Now())
		return room, nil
	}, roomstate.WithNoBroadcast())
	if errors.Is(err, roomstate.ErrNotFound) {
		return apierrors.New(notFoundCode, "")
	}
	if err != nil {
		return apierrors.Internal(err)
	}

	if err := d.registry.Bind(ctx, connID, frame.RoomID); err != nil {
		return apierrors.Internal(err)
	}
	d.bus.Join(frame.RoomID, connID)

	d.bus.SendTargeted(connID, "roomJoined", map[string]interface{}{
		"yourId": connID,
		"room":   updated.Sanitized(),
	})
	return nil
}

func (d *Dispatcher) leaveRoomSideEffects(ctx context.Context, connID, roomID string) {
	_, _ = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.RemoveClient(connID)
		room.Touch(time.Now())
		return room, nil
	}, roomstate.WithNoBroadcast())
	_ = d.registry.Unbind(ctx, connID)
	d.bus.Leave(roomID, connID)
}

func (d *Dispatcher) leaveRoom(ctx context.Context, connID string) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	d.leaveRoomSideEffects(ctx, connID, roomID)
	d.bus.SendTargeted(connID, "leftRoom", struct{}{})
	return nil
}

func (d *Dispatcher) closeRoom(ctx context.Context, connID string) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	room, err := d.repo.Load(ctx, roomID)
	if errors.Is(err, roomstate.ErrNotFound) {
		return apierrors.New(apierrors.CodeRoomNotFound, "")
	}
	if err != nil {
		return apierrors.Internal(err)
	}
	if room.CreatorID != connID {
		return apierrors.New(apierrors.CodeNotCreatorOfRoom, "")
	}

	// Published through the bus so members connected to other instances
	// receive it too; each receiving process drops its local membership
	// for the room as the event lands.
	_ = d.bus.Notify(ctx, roomID, "roomClosed", map[string]string{"reason": "Room closed by creator"})
	for _, member := range room.Clients {
		_ = d.registry.Unbind(ctx, member)
	}
	return d.repo.Delete(ctx, roomID)
}

func (d *Dispatcher) sendMessage(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame sendMessageFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.Touch(time.Now())
		return room, nil
	}, roomstate.WithEvent("message", map[string]string{"sender": connID, "content": frame.Content}))
	return translateMutateErr(err)
}

func (d *Dispatcher) addVideo(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame videoFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	// The duplicate check comes first: a video already in the queue is
	// rejected as alreadyInQueue no matter what the embeddability probe
	// would say, and skipping the probe avoids a pointless network call.
	room, err := d.repo.Load(ctx, roomID)
	if errors.Is(err, roomstate.ErrNotFound) {
		return apierrors.New(apierrors.CodeRoomNotFound, "")
	}
	if err != nil {
		return apierrors.Internal(err)
	}
	if videomodel.Contains(room.VideoQueue, frame.Video.ID) {
		return apierrors.New(apierrors.CodeAlreadyInQueue, "")
	}

	// The probe itself is a network call and must stay outside the mutate
	// closure, which can re-run under write contention.
	embeddable, err := d.assets.IsEmbeddable(ctx, frame.Video.ID)
	if err != nil {
		return apierrors.Internal(err)
	}
	if !embeddable {
		return apierrors.New(apierrors.CodeVideoNotEmbeddable, "")
	}

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		// Re-checked against the freshly loaded room: a concurrent add
		// may have queued the same id since the pre-probe check.
		if videomodel.Contains(room.VideoQueue, frame.Video.ID) {
			return nil, apierrors.New(apierrors.CodeAlreadyInQueue, "")
		}
		if room.PlayingNow == nil && len(room.VideoQueue) == 0 {
			v := frame.Video
			room.PlayingNow = &v
			room.IsPlaying = true
			room.CurrentTime = 0
		} else {
			room.VideoQueue = append(room.VideoQueue, frame.Video)
		}
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) addVideoAndMoveToTop(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame videoFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	embeddable, err := d.assets.IsEmbeddable(ctx, frame.Video.ID)
	if err != nil {
		return apierrors.Internal(err)
	}
	if !embeddable {
		return apierrors.New(apierrors.CodeVideoNotEmbeddable, "")
	}

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.VideoQueue = videomodel.Remove(room.VideoQueue, frame.Video.ID)
		if room.PlayingNow == nil && len(room.VideoQueue) == 0 {
			v := frame.Video
			room.PlayingNow = &v
			room.IsPlaying = true
			room.CurrentTime = 0
		} else {
			room.VideoQueue = append([]videomodel.Video{frame.Video}, room.VideoQueue...)
		}
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) removeVideoFromQueue(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame videoIDFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.VideoQueue = videomodel.Remove(room.VideoQueue, frame.VideoID)
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) moveToTop(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame videoIDFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		idx := videomodel.IndexOf(room.VideoQueue, frame.VideoID)
		if idx < 0 {
			return nil, apierrors.New(apierrors.CodeVideoNotFound, "")
		}
		v := room.VideoQueue[idx]
		queue := make([]videomodel.Video, 0, len(room.VideoQueue))
		queue = append(queue, v)
		queue = append(queue, room.VideoQueue[:idx]...)
		queue = append(queue, room.VideoQueue[idx+1:]...)
		room.VideoQueue = queue
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) shuffleQueue(ctx context.Context, connID string) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		// rand.Shuffle is Fisher-Yates: every permutation equally likely.
		rand.Shuffle(len(room.VideoQueue), func(i, j int) {
			room.VideoQueue[i], room.VideoQueue[j] = room.VideoQueue[j], room.VideoQueue[i]
		})
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) clearQueue(ctx context.Context, connID string) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.VideoQueue = nil
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) clearHistory(ctx context.Context, connID string) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.HistoryQueue = nil
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) playNow(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame videoFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	embeddable, err := d.assets.IsEmbeddable(ctx, frame.Video.ID)
	if err != nil {
		return apierrors.Internal(err)
	}
	if !embeddable {
		return apierrors.New(apierrors.CodeVideoNotEmbeddable, "")
	}

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.VideoQueue = videomodel.Remove(room.VideoQueue, frame.Video.ID)
		room.HistoryQueue = videomodel.Remove(room.HistoryQueue, frame.Video.ID)
		if room.PlayingNow != nil {
			room.HistoryQueue = videomodel.Prepend(room.HistoryQueue, *room.PlayingNow)
			room.HistoryQueue = d.capHistory(room.HistoryQueue)
		}
		v := frame.Video
		room.PlayingNow = &v
		room.IsPlaying = true
		room.CurrentTime = 0
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) nextVideo(ctx context.Context, connID string) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		if room.PlayingNow != nil {
			room.HistoryQueue = videomodel.Prepend(room.HistoryQueue, *room.PlayingNow)
			room.HistoryQueue = d.capHistory(room.HistoryQueue)
		}
		if len(room.VideoQueue) > 0 {
			next := room.VideoQueue[0]
			room.VideoQueue = room.VideoQueue[1:]
			room.PlayingNow = &next
			room.IsPlaying = true
			room.CurrentTime = 0
		} else {
			room.PlayingNow = nil
			room.IsPlaying = false
			room.CurrentTime = 0
		}
		room.Touch(time.Now())
		return room, nil
	})
	return translateMutateErr(err)
}

func (d *Dispatcher) capHistory(queue []videomodel.Video) []videomodel.Video {
	if d.historyCap <= 0 || len(queue) <= d.historyCap {
		return queue
	}
	return queue[:d.historyCap]
}

func (d *Dispatcher) setPlaying(ctx context.Context, connID string, playing bool) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	eventType := "pause"
	if playing {
		eventType = "play"
	}
	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		// isPlaying can only be true while something is loaded.
		room.IsPlaying = playing && room.PlayingNow != nil
		room.Touch(time.Now())
		return room, nil
	}, roomstate.WithEvent(eventType, map[string]bool{"isPlaying": playing}))
	return translateMutateErr(err)
}

func (d *Dispatcher) replay(ctx context.Context, connID string) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		if room.PlayingNow == nil {
			return nil, apierrors.New(apierrors.CodeInvalidMessage, "nothing is playing")
		}
		room.CurrentTime = 0
		room.IsPlaying = true
		room.Touch(time.Now())
		return room, nil
	}, roomstate.WithEvent("replay", struct{}{}))
	return translateMutateErr(err)
}

func (d *Dispatcher) seek(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame seekFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}
	current, err := frame.CurrentTime.Float64()
	if err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "currentTime must be numeric")
	}
	if current < 0 {
		current = 0
	}

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		if room.PlayingNow == nil {
			return nil, apierrors.New(apierrors.CodeInvalidMessage, "nothing is playing")
		}
		room.CurrentTime = current
		room.Touch(time.Now())
		return room, nil
	}, roomstate.WithEvent("currentTimeChanged", map[string]float64{"currentTime": current}))
	return translateMutateErr(err)
}

func (d *Dispatcher) setVolume(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame setVolumeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}
	v, err := frame.Volume.Float64()
	if err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "volume must be numeric")
	}
	clamped := roomstate.ClampVolume(int(v))

	_, err = d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
		room.Volume = clamped
		room.Touch(time.Now())
		return room, nil
	}, roomstate.WithEvent("volumeChanged", map[string]int{"volume": clamped}))
	return translateMutateErr(err)
}

func (d *Dispatcher) importPlaylist(ctx context.Context, connID string, raw []byte) error {
	roomID, err := d.requireRoom(ctx, connID)
	if err != nil {
		return err
	}
	var frame importPlaylistFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return apierrors.New(apierrors.CodeInvalidMessage, "")
	}

	videos, err := d.assets.ExpandPlaylist(ctx, frame.Ref)
	if err != nil {
		return apierrors.Internal(err)
	}
	const maxEntries = 200
	if len(videos) > maxEntries {
		videos = videos[:maxEntries]
	}

	// Batched so one huge playlist doesn't hold a room's write lock or
	// hammer the embeddability probe in one burst; each surviving batch
	// lands in a single mutation.
	const batchSize = 50
	for start := 0; start < len(videos); start += batchSize {
		end := start + batchSize
		if end > len(videos) {
			end = len(videos)
		}
		batch := videos[start:end]

		survivors := make([]videomodel.Video, 0, len(batch))
		for _, v := range batch {
			embeddable, err := d.assets.IsEmbeddable(ctx, v.ID)
			if err != nil || !embeddable {
				continue
			}
			survivors = append(survivors, v)
		}

		if len(survivors) > 0 {
			_, err := d.repo.Mutate(ctx, roomID, func(room *roomstate.Room) (*roomstate.Room, error) {
				for _, v := range survivors {
					if !videomodel.Contains(room.VideoQueue, v.ID) {
						room.VideoQueue = append(room.VideoQueue, v)
					}
				}
				if room.PlayingNow == nil && len(room.VideoQueue) > 0 {
					head := room.VideoQueue[0]
					room.VideoQueue = room.VideoQueue[1:]
					room.PlayingNow = &head
					room.IsPlaying = true
					room.CurrentTime = 0
				}
				room.Touch(time.Now())
				return room, nil
			})
			if err != nil {
				return apierrors.Internal(err)
			}
		}

		if end < len(videos) {
			time.Sleep(100 * time.Millisecond)
		}
	}
	return nil
}

func translateMutateErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *apierrors.CodedError
	if errors.As(err, &coded) {
		return coded
	}
	if errors.Is(err, roomstate.ErrNotFound) {
		return apierrors.New(apierrors.CodeRoomNotFound, "")
	}
	return apierrors.Internal(err)
}
