package bacnet

import (
	"context"
	"errors"
	"testing"
)

func TestDecodeError_RoundTripsClassAndCode(t *testing.T) {
	c := testClient(t)

	data := append(
		EncodeContextUnsigned(0, uint32(ErrorClassObject)),
		EncodeContextUnsigned(1, uint32(ErrorCodeUnknownObject))...,
	)

	err := c.decodeError(data)

	var bacnetErr *BACnetError
	if !errors.As(err, &bacnetErr) {
		t.Fatalf("decodeError returned %v, want *BACnetError", err)
	}
	if bacnetErr.Class != ErrorClassObject || bacnetErr.Code != ErrorCodeUnknownObject {
		t.Fatalf("decodeError = %+v, want class=object code=unknown-object", bacnetErr)
	}
}

func TestDecodeError_TooShortIsInvalidResponse(t *testing.T) {
	c := testClient(t)

	if err := c.decodeError([]byte{0x01}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("decodeError([]byte{0x01}) = %v, want ErrInvalidResponse", err)
	}
}

func TestDecodePropertyValue_Unsigned(t *testing.T) {
	c := testClient(t)

	got, err := c.decodePropertyValue(EncodeUnsignedTag(4200))
	if err != nil {
		t.Fatalf("decodePropertyValue: %v", err)
	}
	if got != uint32(4200) {
		t.Fatalf("decodePropertyValue = %v (%T), want uint32(4200)", got, got)
	}
}

func TestDecodePropertyValue_Real(t *testing.T) {
	c := testClient(t)

	got, err := c.decodePropertyValue(EncodeRealTag(72.5))
	if err != nil {
		t.Fatalf("decodePropertyValue: %v", err)
	}
	if got != float32(72.5) {
		t.Fatalf("decodePropertyValue = %v, want 72.5", got)
	}
}

func TestDecodePropertyValue_CharacterString(t *testing.T) {
	c := testClient(t)

	got, err := c.decodePropertyValue(EncodeCharacterStringTag("zone-4"))
	if err != nil {
		t.Fatalf("decodePropertyValue: %v", err)
	}
	if got != "zone-4" {
		t.Fatalf("decodePropertyValue = %v, want zone-4", got)
	}
}

func TestDecodePropertyValue_ObjectIdentifier(t *testing.T) {
	c := testClient(t)

	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 12)
	got, err := c.decodePropertyValue(EncodeObjectIdentifierTag(oid))
	if err != nil {
		t.Fatalf("decodePropertyValue: %v", err)
	}
	gotOID, ok := got.(ObjectIdentifier)
	if !ok || gotOID != oid {
		t.Fatalf("decodePropertyValue = %v, want %v", got, oid)
	}
}

func TestEncodePropertyValue_RoundTripsThroughDecode(t *testing.T) {
	c := testClient(t)

	cases := []interface{}{
		uint32(99),
		float32(21.5),
		"hello",
		true,
	}

	for _, value := range cases {
		encoded, err := c.encodePropertyValue(value)
		if err != nil {
			t.Fatalf("encodePropertyValue(%v): %v", value, err)
		}
		decoded, err := c.decodePropertyValue(encoded)
		if err != nil {
			t.Fatalf("decodePropertyValue(encodePropertyValue(%v)): %v", value, err)
		}
		if decoded != value {
			t.Fatalf("round-trip for %v (%T) produced %v (%T)", value, value, decoded, decoded)
		}
	}
}

func TestEncodePropertyValue_UnsupportedType(t *testing.T) {
	c := testClient(t)

	if _, err := c.encodePropertyValue(struct{}{}); err == nil {
		t.Fatal("encodePropertyValue(struct{}{}) returned nil error, want unsupported-type error")
	}
}

// ReadProperty and WriteProperty must fail fast with ErrNotConnected
// rather than attempting find-and-bind against a transport that was
// never opened.
func TestReadProperty_NotConnected(t *testing.T) {
	c := testClient(t)

	_, err := c.ReadProperty(context.Background(), 4, NewObjectIdentifier(ObjectTypeAnalogInput, 1), PropertyPresentValue)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ReadProperty error = %v, want ErrNotConnected", err)
	}
}

func TestWriteProperty_NotConnected(t *testing.T) {
	c := testClient(t)

	err := c.WriteProperty(context.Background(), 4, NewObjectIdentifier(ObjectTypeAnalogInput, 1), PropertyPresentValue, float32(10))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("WriteProperty error = %v, want ErrNotConnected", err)
	}
}

func TestWhoIs_NotConnected(t *testing.T) {
	c := testClient(t)

	_, err := c.WhoIs(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("WhoIs error = %v, want ErrNotConnected", err)
	}
}
