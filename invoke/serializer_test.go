package invoke

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestJSONSerializerRoundTrip(t *testing.T) {
	serializer := NewJSONSerializer()

	type payload struct {
		OrderID string `json:"order_id"`
		Amount  int    `json:"amount"`
	}

	data, err := serializer.Serialize(&payload{OrderID: "o-1", Amount: 42})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	var decoded payload
	if err := serializer.Deserialize(data, &decoded); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if decoded.OrderID != "o-1" || decoded.Amount != 42 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestProtobufSerializerRoundTrip(t *testing.T) {
	serializer := NewProtobufSerializer()

	emitted := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	data, err := serializer.Serialize(timestamppb.New(emitted))
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	var decoded timestamppb.Timestamp
	if err := serializer.Deserialize(data, &decoded); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if !decoded.AsTime().Equal(emitted) {
		t.Errorf("expected %v, got %v", emitted, decoded.AsTime())
	}

	value, err := structpb.NewStruct(map[string]interface{}{"order_id": "o-1"})
	if err != nil {
		t.Fatalf("failed to build struct: %v", err)
	}
	data, err = serializer.Serialize(value)
	if err != nil {
		t.Fatalf("Serialize struct failed: %v", err)
	}
	var decodedValue structpb.Struct
	if err := serializer.Deserialize(data, &decodedValue); err != nil {
		t.Fatalf("Deserialize struct failed: %v", err)
	}
	if got := decodedValue.Fields["order_id"].GetStringValue(); got != "o-1" {
		t.Errorf("expected order_id o-1, got %s", got)
	}
}

func TestProtobufSerializerRejectsPlainStructs(t *testing.T) {
	serializer := NewProtobufSerializer()

	if _, err := serializer.Serialize(struct{ Name string }{Name: "x"}); err == nil {
		t.Error("expected error for a non-proto message")
	}
	if err := serializer.Deserialize([]byte{0x01}, &struct{ Name string }{}); err == nil {
		t.Error("expected error for a non-proto target")
	}
}
