package queue

import (
	"fmt"
	"time"

	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	InvestigationQueue = "investigation_queue"

	// MaxDeliveries bounds how often a failing message is re-queued before
	// it goes to the dead letter queue.
	MaxDeliveries = 10
)

func Init() *amqp091.Connection {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares each queue together with its _dlq and a _retry queue
// that dead-letters back into the queue after ten seconds.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}

		dlqName := DeadLetterName(name)
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare %s: %w", dlqName, err)
		}

		retryName := RetryName(name)
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("declare %s: %w", retryName, err)
		}
	}

	return nil
}

func RetryName(queueName string) string {
	return queueName + "_retry"
}

func DeadLetterName(queueName string) string {
	return queueName + "_dlq"
}

func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		q.Name,
		false,
		false,
		publishing,
	)
}

// Retries reads the x-retries header.
func Retries(headers amqp091.Table) int {
	if val, ok := headers["x-retries"]; ok {
		switch v := val.(type) {
		case int32:
			return int(v)
		case int64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

// Route decides where a failed delivery goes next: the retry queue while
// retries remain and the failure is transient, the dead letter queue
// otherwise. It returns the target queue and the headers to publish with.
func Route(queueName string, headers amqp091.Table, permanent bool) (string, amqp091.Table) {
	retries := Retries(headers)
	out := amqp091.Table{}
	for k, v := range headers {
		out[k] = v
	}
	if permanent || retries >= MaxDeliveries {
		return DeadLetterName(queueName), out
	}
	out["x-retries"] = int32(retries + 1)
	return RetryName(queueName), out
}
