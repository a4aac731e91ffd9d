package commands

import (
	"encoding/json"

	"github.com/syncwatch/room-backend/internal/videomodel"
)

// envelope is the outer shape of every inbound frame; command-specific
// fields are decoded separately from the same raw bytes.
type envelope struct {
	Type string `json:"type"`
}

type joinRoomFrame struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

type sendMessageFrame struct {
	Content string `json:"content"`
}

type videoFrame struct {
	Video videomodel.Video `json:"video"`
}

type videoIDFrame struct {
	VideoID string `json:"videoId"`
}

type seekFrame struct {
	CurrentTime json.Number `json:"currentTime"`
}

type setVolumeFrame struct {
	Volume json.Number `json:"volume"`
}

type importPlaylistFrame struct {
	Ref string `json:"playlistUrlOrId"`
}

type createRoomFrame struct {
	Password string `json:"password"`
}
