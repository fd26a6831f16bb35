package state

import "fmt"

const (
	KeyPrefixRoom     = "meshcall:room:"
	KeyPrefixInstance = "meshcall:instance:"
	KeyRooms          = "meshcall:rooms"
)

// RoomMembersKey is a sorted set of peer ids scored by join sequence.
func RoomMembersKey(roomName string) string {
	return fmt.Sprintf("%s%s:members", KeyPrefixRoom, roomName)
}

func RoomPresenterKey(roomName string) string {
	return fmt.Sprintf("%s%s:presenter", KeyPrefixRoom, roomName)
}

func RoomSeqKey(roomName string) string {
	return fmt.Sprintf("%s%s:seq", KeyPrefixRoom, roomName)
}

func RoomCreatedKey(roomName string) string {
	return fmt.Sprintf("%s%s:created", KeyPrefixRoom, roomName)
}

// RoomOwnersKey maps each member to the hub instance holding its connection.
func RoomOwnersKey(roomName string) string {
	return fmt.Sprintf("%s%s:owners", KeyPrefixRoom, roomName)
}

// InstanceKey is the heartbeat of a hub instance. Members owned by an instance
// whose key has expired are pruned.
func InstanceKey(instanceID string) string {
	return KeyPrefixInstance + instanceID
}

func roomKeys(roomName string) []string {
	return []string{
		RoomMembersKey(roomName),
		KeyRooms,
		RoomPresenterKey(roomName),
		RoomSeqKey(roomName),
		RoomCreatedKey(roomName),
		RoomOwnersKey(roomName),
	}
}
