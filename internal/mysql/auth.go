package mysql

import (
	"crypto/sha1" //nolint:gosec // mysql_native_password is SHA-1 by definition
	"crypto/sha256"
	"encoding/binary"
)

const (
	pluginNativePassword = "mysql_native_password"
	pluginCachingSHA2    = "caching_sha2_password"
)

// handshake holds the fields parsed from the server's initial
// Protocol::HandshakeV10 packet.
type handshake struct {
	protocolVersion byte
	serverVersion   string
	connectionID    uint32
	authData        []byte // scramble nonce
	capabilities    uint32
	charset         byte
	statusFlags     uint16
	authPlugin      string
}

// parseHandshake decodes a HandshakeV10 payload.
// Format: protocol_version(1) + server_version(null-term) + conn_id(4) +
// auth_plugin_data_1(8) + filler(1) + capability_flags_1(2) +
// character_set(1) + status_flags(2) + capability_flags_2(2) +
// auth_plugin_data_len(1) + reserved(10) + auth_plugin_data_2 +
// auth_plugin_name(null-term, if CLIENT_PLUGIN_AUTH).
func parseHandshake(pkt []byte) (*handshake, error) {
	if len(pkt) < 1 {
		return nil, protocolErrorf("empty handshake packet")
	}
	h := &handshake{protocolVersion: pkt[0]}

	pos := 1
	end := pos
	for end < len(pkt) && pkt[end] != 0 {
		end++
	}
	h.serverVersion = string(pkt[pos:end])
	pos = end + 1

	if pos+4 > len(pkt) {
		return nil, protocolErrorf("handshake truncated before connection id")
	}
	h.connectionID = binary.LittleEndian.Uint32(pkt[pos : pos+4])
	pos += 4

	if pos+8 > len(pkt) {
		return nil, protocolErrorf("handshake truncated before auth data")
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return nil, protocolErrorf("handshake truncated before capability flags")
	}
	caps := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return nil, protocolErrorf("handshake truncated before charset")
	}
	h.charset = pkt[pos]
	h.statusFlags = binary.LittleEndian.Uint16(pkt[pos+1 : pos+3])
	pos += 3

	if pos+2 > len(pkt) {
		return nil, protocolErrorf("handshake truncated before capability flags high")
	}
	caps |= uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	h.capabilities = caps
	pos += 2

	var authDataLen int
	if pos < len(pkt) {
		authDataLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved

	// auth-plugin-data part 2: max(13, auth_plugin_data_len - 8) bytes,
	// usually with a trailing null byte that is not part of the nonce.
	part2Len := authDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
		pos += part2Len
	}
	h.authData = authData

	h.authPlugin = pluginNativePassword
	if caps&capPluginAuth != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		h.authPlugin = string(pkt[pos:end])
	}
	return h, nil
}

// scramblePassword computes the auth response for the given plugin.
func scramblePassword(plugin, password string, nonce []byte) ([]byte, error) {
	switch plugin {
	case pluginNativePassword:
		return scrambleNativePassword([]byte(password), nonce), nil
	case pluginCachingSHA2:
		return scrambleCachingSHA2([]byte(password), nonce), nil
	default:
		return nil, &AuthError{Msg: "unsupported auth plugin " + plugin}
	}
}

// scrambleNativePassword computes
// SHA1(password) XOR SHA1(nonce + SHA1(SHA1(password))).
func scrambleNativePassword(password, nonce []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(nonce)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// scrambleCachingSHA2 computes
// SHA256(password) XOR SHA256(SHA256(SHA256(password)) + nonce).
func scrambleCachingSHA2(password, nonce []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha256.Sum256(password)
	h2 := sha256.Sum256(h1[:])
	h := sha256.New()
	h.Write(h2[:])
	h.Write(nonce)
	h3 := h.Sum(nil)
	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// buildHandshakeResponse assembles a HandshakeResponse41 payload.
// Format: capability_flags(4) + max_packet_size(4) + character_set(1) +
// reserved(23) + username(null-term) + auth_response_length(1) +
// auth_response + database(null-term, if CONNECT_WITH_DB) +
// auth_plugin_name(null-term).
func buildHandshakeResponse(caps uint32, charset byte, user, database, plugin string, authResp []byte) []byte {
	var out []byte
	var capBuf [4]byte
	binary.LittleEndian.PutUint32(capBuf[:], caps)
	out = append(out, capBuf[:]...)
	out = append(out, 0xff, 0xff, 0xff, 0x00) // max_packet_size
	out = append(out, charset)
	out = append(out, make([]byte, 23)...)
	out = append(out, user...)
	out = append(out, 0)
	out = append(out, byte(len(authResp)))
	out = append(out, authResp...)
	if caps&capConnectWithDB != 0 {
		out = append(out, database...)
		out = append(out, 0)
	}
	out = append(out, plugin...)
	out = append(out, 0)
	return out
}

// parseAuthSwitch decodes an AuthSwitchRequest payload: 0xfe +
// plugin_name(null-term) + plugin_data.
func parseAuthSwitch(pkt []byte) (plugin string, data []byte, err error) {
	if len(pkt) < 2 {
		return "", nil, protocolErrorf("malformed AuthSwitchRequest")
	}
	end := 1
	for end < len(pkt) && pkt[end] != 0 {
		end++
	}
	plugin = string(pkt[1:end])
	if end+1 < len(pkt) {
		data = pkt[end+1:]
		if len(data) > 0 && data[len(data)-1] == 0 {
			data = data[:len(data)-1]
		}
	}
	return plugin, data, nil
}
