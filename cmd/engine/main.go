package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"depositflow/claim"
	"depositflow/config"
	"depositflow/conversation"
	"depositflow/db"
	"depositflow/deposit"
	"depositflow/dispute"
	"depositflow/gateway"
	"depositflow/notify"
	"depositflow/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	payments := mustPaymentGateway()

	var notifier gateway.NotificationDispatcher
	if len(cfg.KafkaBrokers) > 0 {
		notifier = notify.NewOutbox(pool)
	} else {
		notifier = notify.LogDispatcher{}
	}

	conversations := conversation.NewStore(pool)

	deposits := deposit.NewService(pool, pool, nil, payments, notifier)
	claims := claim.NewService(pool, pool, pool, nil, deposit.NewRepository(), payments, notifier, conversations)
	disputes := dispute.NewService(pool, pool, nil, claim.NewRepository(), deposit.NewRepository(), payments, notifier, conversations, conversations)

	var leader scheduler.LeaderLock
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		leader = scheduler.NewRedisLock(rdb, "depositflow:scheduler:leader", 2*cfg.SweepInterval)
	}

	sched := scheduler.New(scheduler.Deps{
		Inspections: claims,
		Claims:      claims,
		Disputes:    disputes,
		Deposits:    deposits,
		Benign: func(err error) bool {
			return claim.IsBenign(err) || dispute.IsBenign(err)
		},
		Leader:               leader,
		SweepInterval:        cfg.SweepInterval,
		VerificationInterval: cfg.VerificationInterval,
	})
	sched.Start(ctx)
	defer sched.Stop()

	if len(cfg.KafkaBrokers) > 0 {
		writer := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.KafkaTopic,
			Balancer: &kafka.LeastBytes{},
		}
		defer writer.Close()

		relay := notify.NewRelay(pool, writer)
		go func() {
			if err := relay.Run(ctx, cfg.RelayInterval); err != nil && ctx.Err() == nil {
				log.Printf("notification relay stopped: %v", err)
			}
		}()
	}

	log.Printf("deposit engine running: sweep every %s, verification every %s", cfg.SweepInterval, cfg.VerificationInterval)
	<-ctx.Done()
	log.Print("deposit engine shutting down")
}
