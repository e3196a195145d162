package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"wagate/internal/domain"
)

// ackCodes is the Baileys/Evolution delivery table. 0 (ERROR) is absent on
// purpose: an errored delivery is not a state the ticket UI can render.
var ackCodes = map[int]domain.AckStatus{
	1: domain.AckSent, // PENDING
	2: domain.AckSent, // SERVER_ACK
	3: domain.AckDelivered,
	4: domain.AckRead,
	5: domain.AckRead, // PLAYED
}

var ackNames = map[string]domain.AckStatus{
	"PENDING":      domain.AckSent,
	"SERVER_ACK":   domain.AckSent,
	"SENT":         domain.AckSent,
	"DELIVERY_ACK": domain.AckDelivered,
	"DELIVERED":    domain.AckDelivered,
	"READ":         domain.AckRead,
	"PLAYED":       domain.AckRead,
}

// AckFromCode maps a numeric or string delivery code onto the closed
// sent/delivered/read set. Unmapped codes report false.
func AckFromCode(v any) (domain.AckStatus, bool) {
	switch x := v.(type) {
	case int:
		s, ok := ackCodes[x]
		return s, ok
	case int64:
		return AckFromCode(int(x))
	case float64:
		return AckFromCode(int(x))
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return AckFromCode(string(x))
		}
		return AckFromCode(int(n))
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return AckFromCode(n)
		}
		s, ok := ackNames[strings.ToUpper(strings.TrimSpace(x))]
		return s, ok
	}
	return "", false
}

// AckFromWebJS maps whatsapp-web.js MessageAck values, which are offset by
// one from the Baileys table: 1 server, 2 device, 3 read, 4 played.
func AckFromWebJS(ack int) (domain.AckStatus, bool) {
	switch ack {
	case 0, 1:
		return domain.AckSent, true
	case 2:
		return domain.AckDelivered, true
	case 3, 4:
		return domain.AckRead, true
	}
	return "", false
}
