package queue

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestAMQPDeliveryRoundTripCarriesAttempts(t *testing.T) {
	job := Job{ID: "job-1", IngestionID: "ing-1", StoredName: "abc.epub", CreatedAt: time.Now().UTC()}
	msg, err := encodeDelivery(job, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.MessageId != "job-1" {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	got, attempts, err := decodeDelivery(msg.Body, msg.Headers)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if attempts != 2 || got.IngestionID != "ing-1" || got.StoredName != "abc.epub" {
		t.Fatalf("decoded job=%+v attempts=%d", got, attempts)
	}
}

func TestAMQPDecodeRejectsIncompleteJob(t *testing.T) {
	if _, _, err := decodeDelivery([]byte(`{"id":"x"}`), nil); err == nil {
		t.Fatalf("expected error for job without ingestion id")
	}
	if _, _, err := decodeDelivery([]byte(`not json`), nil); err == nil {
		t.Fatalf("expected error for malformed body")
	}
	_, attempts, err := decodeDelivery([]byte(`{"id":"x","ingestionId":"i","storedName":"s.epub"}`), amqp.Table{attemptsHeader: int64(4)})
	if err != nil || attempts != 4 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}
