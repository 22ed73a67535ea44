package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/config"
	"github.com/pothabooks/potha/pkg/database"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/robinjoseph08/golib/logger"
)

func main() {
	ctx := context.Background()
	log := logger.New()

	var opts struct {
		Database string `short:"d" long:"database" description:"Path to the local store database" required:"true"`
		Book     string `short:"b" long:"book" description:"Only show this book's chapters"`
		Outbox   bool   `short:"o" long:"outbox" description:"Print pending and dead-lettered progress updates"`
	}

	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.Err(err).Fatal("flags parse error")
	}

	cfg := config.NewForTest()
	cfg.DatabaseFilePath = opts.Database
	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}
	defer db.Close()

	store := offline.NewStore(db, offline.Options{})

	usage, err := store.StorageUsage(ctx)
	if err != nil {
		log.Err(err).Fatal("storage usage error")
	}
	fmt.Printf("Storage used: %d bytes\n\n", usage)

	books, err := store.ListBooks(ctx)
	if err != nil {
		log.Err(err).Fatal("list books error")
	}
	for _, book := range books {
		if opts.Book != "" && book.BookID != opts.Book {
			continue
		}
		fmt.Printf("%s  %s / %s  %d/%d chapters  cover=%v  last read %s\n",
			book.BookID, book.TitleSi, book.TitleEn,
			len(book.DownloadedChapters), book.TotalChapters,
			book.CoverMimeType != nil, book.LastAccessedAt.Format(time.RFC3339))

		if opts.Book == "" {
			continue
		}
		for _, n := range book.DownloadedChapters {
			ch, err := store.GetChapter(ctx, book.BookID, n)
			switch {
			case errors.Is(err, offline.ErrCorrupt):
				fmt.Printf("  #%-4d CORRUPT\n", n)
			case err != nil:
				log.Err(err).Error("get chapter error")
			default:
				fmt.Printf("  #%-4d %-40s %6d words %8d bytes\n", n, ch.TitleEn, ch.WordCount, ch.SizeBytes)
			}
		}
	}

	if !opts.Outbox {
		return
	}

	pending, err := store.ListPendingProgress(ctx)
	if err != nil {
		log.Err(err).Fatal("list pending error")
	}
	fmt.Printf("\nPending progress (%d):\n", len(pending))
	for _, p := range pending {
		lastErr := ""
		if p.LastError != nil {
			lastErr = *p.LastError
		}
		fmt.Printf("  #%d %s ch%d completed=%v attempts=%d %s\n", p.ID, p.BookID, p.ChapterNumber, []int(p.CompletedChapters), p.Attempts, lastErr)
	}

	dead, err := store.ListDeadLetters(ctx)
	if err != nil {
		log.Err(err).Fatal("list dead letters error")
	}
	fmt.Printf("\nDead-lettered progress (%d):\n", len(dead))
	for _, p := range dead {
		fmt.Printf("  #%d %s ch%d attempts=%d\n", p.ID, p.BookID, p.ChapterNumber, p.Attempts)
	}
}
