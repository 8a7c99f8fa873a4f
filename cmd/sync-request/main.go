package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/cpstats-sync/internal/config"
	"github.com/cpstats-sync/internal/kafka"
)

// publisher is the part of kafka.Producer the CLI needs
type publisher interface {
	Publish(req kafka.SyncRequest) (int32, int64, error)
	Close() error
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "sync-requests", "Kafka topic")
	accounts := flag.String("accounts", "", "Account IDs to sync (comma-separated); empty requests a full cycle")
	flag.Parse()

	producer, err := kafka.NewProducer(&config.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
	})
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	if err := run(producer, *accounts, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run publishes one request per account id, or a cycle request when none are
// given, and always closes the producer.
func run(p publisher, accounts string, out io.Writer) error {
	defer func() {
		if err := p.Close(); err != nil {
			log.Printf("Failed to close producer: %v", err)
		}
	}()

	for _, req := range parseRequests(accounts) {
		partition, offset, err := p.Publish(req)
		if err != nil {
			return fmt.Errorf("publishing %s request: %w", req.Type, err)
		}
		if req.AccountID != "" {
			fmt.Fprintf(out, "✓ account %s queued (partition %d, offset %d)\n", req.AccountID, partition, offset)
		} else {
			fmt.Fprintf(out, "✓ sync cycle queued (partition %d, offset %d)\n", partition, offset)
		}
	}
	return nil
}

func parseRequests(accounts string) []kafka.SyncRequest {
	var requests []kafka.SyncRequest
	for _, id := range strings.Split(accounts, ",") {
		if id = strings.TrimSpace(id); id != "" {
			requests = append(requests, kafka.SyncRequest{Type: kafka.RequestAccount, AccountID: id})
		}
	}
	if len(requests) == 0 {
		requests = append(requests, kafka.SyncRequest{Type: kafka.RequestCycle})
	}
	return requests
}
