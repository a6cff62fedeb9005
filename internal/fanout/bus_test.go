package fanout

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeEnvelopeRoundTrip(testContext *testing.T) {
	payload, err := json.Marshal(envelope{
		InstanceID: "peer-1",
		Room:       "alpha",
		UpdateB64:  base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
	})
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}

	roomName, update, skip, err := decodeEnvelope(payload, "self")
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if skip {
		testContext.Fatal("peer update should not be skipped")
	}
	if roomName != "alpha" || !bytes.Equal(update, []byte{0x01, 0x02}) {
		testContext.Fatalf("decoded room=%q update=%v", roomName, update)
	}
}

func TestDecodeEnvelopeSkipsOwnInstance(testContext *testing.T) {
	payload, err := json.Marshal(envelope{
		InstanceID: "self",
		Room:       "alpha",
		UpdateB64:  base64.StdEncoding.EncodeToString([]byte{0x01}),
	})
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}

	_, _, skip, err := decodeEnvelope(payload, "self")
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if !skip {
		testContext.Fatal("own update should be skipped")
	}
}

func TestDecodeEnvelopeRejectsGarbage(testContext *testing.T) {
	if _, _, _, err := decodeEnvelope([]byte("{not json"), "self"); err == nil {
		testContext.Fatal("expected malformed JSON to fail")
	}
}

func TestDecodeEnvelopeRejectsMissingRoom(testContext *testing.T) {
	payload, err := json.Marshal(envelope{InstanceID: "peer-1", UpdateB64: ""})
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}
	if _, _, _, err := decodeEnvelope(payload, "self"); err == nil {
		testContext.Fatal("expected missing room to fail")
	}
}

func TestDecodeEnvelopeRejectsBadBase64(testContext *testing.T) {
	payload, err := json.Marshal(envelope{InstanceID: "peer-1", Room: "alpha", UpdateB64: "!!"})
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}
	if _, _, _, err := decodeEnvelope(payload, "self"); err == nil {
		testContext.Fatal("expected invalid payload encoding to fail")
	}
}

func TestSubjectForEncodesRoomNameAsSingleToken(testContext *testing.T) {
	name := "design.doc *live>"
	subject := subjectFor(name)
	if !strings.HasPrefix(subject, subjectPrefix) {
		testContext.Fatalf("subject = %q, want prefix %q", subject, subjectPrefix)
	}
	token := strings.TrimPrefix(subject, subjectPrefix)
	if strings.ContainsAny(token, ". *>") {
		testContext.Fatalf("token %q leaks subject syntax", token)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || string(decoded) != name {
		testContext.Fatalf("token decoded to %q err %v", decoded, err)
	}
	if subjectFor("alpha") == subjectFor("beta") {
		testContext.Fatal("distinct rooms must publish on distinct subjects")
	}
}
