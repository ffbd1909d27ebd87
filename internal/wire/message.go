// Package wire defines the length-prefixed binary protocol spoken between
// peers, between a peer and the metadata index, and over the chunk-serving
// endpoint. Every message is framed as len:uint32 (LE) || type:uint32 (LE)
// || body, where len covers type+body.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Type is the wire tag identifying a message variant.
type Type uint32

// Stable wire constants. Tag numbers must never be renumbered once shipped.
const (
	TypeGeneralSuccess      Type = 0
	TypeSearchFile          Type = 1
	TypeFileList            Type = 2
	TypeFileRecord          Type = 3
	TypeShareFile           Type = 4
	TypeClientID            Type = 5
	TypeSharingInfoRequest  Type = 6
	TypeSharingInfoResponse Type = 7
	TypeStartFileTransfer   Type = 8
	TypeChunkDataResponse   Type = 9
	TypeRemoveShare         Type = 10
	TypeSharePort           Type = 11
	TypeRTTCheck            Type = 12
	TypeRTTResponse         Type = 13
	TypeGeneralError        Type = 999
)

// ClientIDLength is the fixed length, in hex characters, of a client or
// file identifier.
const ClientIDLength = 32

// NoClientID is the sentinel identifier meaning "no id assigned yet".
const NoClientID = "ffffffffffffffffffffffffffffffff"

// ErrMalformed is returned when a frame's body cannot be parsed for its
// declared type, or the type tag is unknown.
var ErrMalformed = errors.New("wire: malformed message")

// Message is the closed set of protocol variants. Exactly one of the
// typed fields is meaningful for a given Type; callers switch on Type.
type Message struct {
	Type Type

	Text string // GeneralSuccess, GeneralError, SearchFile (substring)

	Files []FileRecord // FileList
	File  FileRecord   // FileRecord, ShareFile

	ClientID string // ClientID

	FileID string // SharingInfoRequest, StartFileTransfer, ChunkDataResponse, RemoveShare

	SharingInfo SharingInfoResponse // SharingInfoResponse

	ChunkIndex uint32 // StartFileTransfer, ChunkDataResponse
	ChunkData  []byte // ChunkDataResponse

	Port uint16 // SharePort

	SendEpoch uint32 // RTTCheck, RTTResponse
	RecvEpoch uint32 // RTTResponse
}

// FileRecord describes one shared file as carried on the wire.
type FileRecord struct {
	Name             string
	ModificationTime uint32
	Size             uint32
	FileID           string
}

// SharingClient describes one origin as carried in a SharingInfoResponse.
type SharingClient struct {
	ClientID string
	IP       [4]byte
	Port     uint16 // 0 means absent
}

// SharingInfoResponse is the body of a SharingInfoResponse message.
type SharingInfoResponse struct {
	FileID           string
	Name             string
	ModificationTime uint32
	Size             uint32
	Clients          []SharingClient
}

// ExpectedResponse returns the Type this request expects in reply, and
// false if this Type declares no expected response.
func (t Type) ExpectedResponse() (Type, bool) {
	switch t {
	case TypeSearchFile:
		return TypeFileList, true
	case TypeSharingInfoRequest:
		return TypeSharingInfoResponse, true
	case TypeStartFileTransfer:
		return TypeChunkDataResponse, true
	case TypeRTTCheck:
		return TypeRTTResponse, true
	default:
		return 0, false
	}
}

// Encode serializes m into a full frame (length prefix included).
func Encode(m Message) ([]byte, error) {
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 4+4+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(4+len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(m.Type))
	copy(frame[8:], body)
	return frame, nil
}

func encodeBody(m Message) ([]byte, error) {
	switch m.Type {
	case TypeGeneralSuccess, TypeGeneralError:
		return []byte(m.Text), nil
	case TypeSearchFile:
		return []byte(m.Text), nil
	case TypeFileList:
		return encodeFileList(m.Files), nil
	case TypeFileRecord:
		return encodeFileRecord(m.File), nil
	case TypeShareFile:
		return encodeFileRecord(m.File), nil
	case TypeClientID:
		return encodeClientID(m.ClientID)
	case TypeSharingInfoRequest, TypeRemoveShare:
		return encodeFileID(m.FileID)
	case TypeSharingInfoResponse:
		return encodeSharingInfoResponse(m.SharingInfo)
	case TypeStartFileTransfer:
		return encodeStartFileTransfer(m.FileID, m.ChunkIndex)
	case TypeChunkDataResponse:
		return encodeChunkDataResponse(m.FileID, m.ChunkIndex, m.ChunkData)
	case TypeSharePort:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, m.Port)
		return buf, nil
	case TypeRTTCheck:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, m.SendEpoch)
		return buf, nil
	case TypeRTTResponse:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:4], m.SendEpoch)
		binary.LittleEndian.PutUint32(buf[4:8], m.RecvEpoch)
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: unknown type %d: %w", m.Type, ErrMalformed)
	}
}

func encodeFileID(fileID string) ([]byte, error) {
	if len(fileID) != ClientIDLength {
		return nil, fmt.Errorf("wire: file id must be %d hex chars: %w", ClientIDLength, ErrMalformed)
	}
	return []byte(fileID), nil
}

func encodeClientID(id string) ([]byte, error) {
	if id == "" {
		id = NoClientID
	}
	if len(id) != ClientIDLength {
		return nil, fmt.Errorf("wire: client id must be %d hex chars: %w", ClientIDLength, ErrMalformed)
	}
	return []byte(id), nil
}

func encodeFileRecord(f FileRecord) []byte {
	nameBytes := []byte(f.Name)
	buf := make([]byte, 4+len(nameBytes)+4+4+ClientIDLength)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(nameBytes)))
	off += 4
	copy(buf[off:], nameBytes)
	off += len(nameBytes)
	binary.LittleEndian.PutUint32(buf[off:], f.ModificationTime)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], f.Size)
	off += 4
	copy(buf[off:], []byte(f.FileID))
	return buf
}

func decodeFileRecord(data []byte) (FileRecord, int, error) {
	if len(data) < 4 {
		return FileRecord{}, 0, ErrMalformed
	}
	nameLen := int(binary.LittleEndian.Uint32(data[0:4]))
	off := 4
	if nameLen < 0 || off+nameLen+4+4+ClientIDLength > len(data) {
		return FileRecord{}, 0, ErrMalformed
	}
	name := string(data[off : off+nameLen])
	off += nameLen
	mtime := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	size := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	fileID := string(data[off : off+ClientIDLength])
	off += ClientIDLength
	return FileRecord{Name: name, ModificationTime: mtime, Size: size, FileID: fileID}, off, nil
}

func encodeFileList(files []FileRecord) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(files)))
	for _, f := range files {
		buf = append(buf, encodeFileRecord(f)...)
	}
	return buf
}

func decodeFileList(data []byte) ([]FileRecord, error) {
	if len(data) < 4 {
		return nil, ErrMalformed
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	files := make([]FileRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		f, consumed, err := decodeFileRecord(data[off:])
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		off += consumed
	}
	return files, nil
}

func encodeStartFileTransfer(fileID string, chunkIndex uint32) ([]byte, error) {
	if len(fileID) != ClientIDLength {
		return nil, fmt.Errorf("wire: file id must be %d hex chars: %w", ClientIDLength, ErrMalformed)
	}
	buf := make([]byte, ClientIDLength+4)
	copy(buf, []byte(fileID))
	binary.LittleEndian.PutUint32(buf[ClientIDLength:], chunkIndex)
	return buf, nil
}

func encodeChunkDataResponse(fileID string, chunkIndex uint32, data []byte) ([]byte, error) {
	if len(fileID) != ClientIDLength {
		return nil, fmt.Errorf("wire: file id must be %d hex chars: %w", ClientIDLength, ErrMalformed)
	}
	buf := make([]byte, ClientIDLength+4+len(data))
	copy(buf, []byte(fileID))
	binary.LittleEndian.PutUint32(buf[ClientIDLength:ClientIDLength+4], chunkIndex)
	copy(buf[ClientIDLength+4:], data)
	return buf, nil
}

func encodeSharingInfoResponse(info SharingInfoResponse) ([]byte, error) {
	if len(info.FileID) != ClientIDLength {
		return nil, fmt.Errorf("wire: file id must be %d hex chars: %w", ClientIDLength, ErrMalformed)
	}
	nameBytes := []byte(info.Name)
	buf := make([]byte, 0, ClientIDLength+4+len(nameBytes)+4+4+4+len(info.Clients)*(ClientIDLength+4+2))
	buf = append(buf, []byte(info.FileID)...)

	nameLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(nameLen, uint32(len(nameBytes)))
	buf = append(buf, nameLen...)
	buf = append(buf, nameBytes...)

	tail := make([]byte, 12)
	binary.LittleEndian.PutUint32(tail[0:4], info.ModificationTime)
	binary.LittleEndian.PutUint32(tail[4:8], info.Size)
	binary.LittleEndian.PutUint32(tail[8:12], uint32(len(info.Clients)))
	buf = append(buf, tail...)

	for _, c := range info.Clients {
		if len(c.ClientID) != ClientIDLength {
			return nil, fmt.Errorf("wire: client id must be %d hex chars: %w", ClientIDLength, ErrMalformed)
		}
		buf = append(buf, []byte(c.ClientID)...)
		buf = append(buf, c.IP[:]...)
		portBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(portBuf, c.Port)
		buf = append(buf, portBuf...)
	}
	return buf, nil
}

func decodeSharingInfoResponse(data []byte) (SharingInfoResponse, error) {
	if len(data) < ClientIDLength+4 {
		return SharingInfoResponse{}, ErrMalformed
	}
	fileID := string(data[:ClientIDLength])
	off := ClientIDLength
	nameLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if nameLen < 0 || off+nameLen+12 > len(data) {
		return SharingInfoResponse{}, ErrMalformed
	}
	name := string(data[off : off+nameLen])
	off += nameLen
	mtime := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	size := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	n := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4

	clients := make([]SharingClient, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+ClientIDLength+4+2 > len(data) {
			return SharingInfoResponse{}, ErrMalformed
		}
		clientID := string(data[off : off+ClientIDLength])
		off += ClientIDLength
		var ip [4]byte
		copy(ip[:], data[off:off+4])
		off += 4
		port := binary.LittleEndian.Uint16(data[off : off+2])
		off += 2
		clients = append(clients, SharingClient{ClientID: clientID, IP: ip, Port: port})
	}
	return SharingInfoResponse{FileID: fileID, Name: name, ModificationTime: mtime, Size: size, Clients: clients}, nil
}

// DecodeBody parses a body (everything after the type tag) for the given
// type into a Message. It fails with ErrMalformed when the type is
// unknown or the body cannot be parsed.
func DecodeBody(t Type, body []byte) (Message, error) {
	m := Message{Type: t}
	switch t {
	case TypeGeneralSuccess, TypeGeneralError, TypeSearchFile:
		m.Text = string(body)
	case TypeFileList:
		files, err := decodeFileList(body)
		if err != nil {
			return Message{}, err
		}
		m.Files = files
	case TypeFileRecord, TypeShareFile:
		f, _, err := decodeFileRecord(body)
		if err != nil {
			return Message{}, err
		}
		m.File = f
	case TypeClientID:
		if len(body) != ClientIDLength {
			return Message{}, ErrMalformed
		}
		m.ClientID = string(body)
	case TypeSharingInfoRequest, TypeRemoveShare:
		if len(body) != ClientIDLength {
			return Message{}, ErrMalformed
		}
		m.FileID = string(body)
	case TypeSharingInfoResponse:
		info, err := decodeSharingInfoResponse(body)
		if err != nil {
			return Message{}, err
		}
		m.SharingInfo = info
	case TypeStartFileTransfer:
		if len(body) != ClientIDLength+4 {
			return Message{}, ErrMalformed
		}
		m.FileID = string(body[:ClientIDLength])
		m.ChunkIndex = binary.LittleEndian.Uint32(body[ClientIDLength:])
	case TypeChunkDataResponse:
		if len(body) < ClientIDLength+4 {
			return Message{}, ErrMalformed
		}
		m.FileID = string(body[:ClientIDLength])
		m.ChunkIndex = binary.LittleEndian.Uint32(body[ClientIDLength : ClientIDLength+4])
		m.ChunkData = body[ClientIDLength+4:]
	case TypeSharePort:
		if len(body) != 2 {
			return Message{}, ErrMalformed
		}
		m.Port = binary.LittleEndian.Uint16(body)
	case TypeRTTCheck:
		if len(body) != 4 {
			return Message{}, ErrMalformed
		}
		m.SendEpoch = binary.LittleEndian.Uint32(body)
	case TypeRTTResponse:
		if len(body) != 8 {
			return Message{}, ErrMalformed
		}
		m.SendEpoch = binary.LittleEndian.Uint32(body[0:4])
		m.RecvEpoch = binary.LittleEndian.Uint32(body[4:8])
	default:
		return Message{}, fmt.Errorf("wire: unknown type %d: %w", t, ErrMalformed)
	}
	return m, nil
}

// HexClientID renders a 16-byte identifier as the 32-char lowercase hex
// string used throughout the wire protocol.
func HexClientID(raw [16]byte) string {
	return hex.EncodeToString(raw[:])
}
