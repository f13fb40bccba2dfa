// jim-server runs the message processor: it accepts JIM connections on a
// TCP address and exposes a minimal stdin admin console for account
// management, since JIM itself has no client-facing registration action.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"jimchat/internal/credstore"
	"jimchat/internal/server"
)

func main() {
	addr := flag.String("addr", ":7777", "TCP address to listen on")
	dbPath := flag.String("db", "./data/jim.db", "path to the SQLite credential database")
	workers := flag.Int("workers", 4, "number of async stats-persistence worker goroutines")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	store, err := credstore.Open(*dbPath, logger)
	if err != nil {
		logger.Error("open credential store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := server.New(store, *workers, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down")
		srv.Shutdown()
	}()

	go runAdminConsole(srv, logger)

	if err := srv.ListenAndServe(*addr); err != nil {
		logger.Error("listen and serve", "err", err)
	}
}

// runAdminConsole reads line-oriented commands from stdin:
//
//	register <account> <password>
//	delete <account>
//	users
//	active
//
// This is the only caller of Server.RegisterAccount/DeleteAccount; a real
// deployment would front this with whatever operational tooling it uses.
func runAdminConsole(srv *server.Server, logger *slog.Logger) {
	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "register":
			if len(fields) != 3 {
				fmt.Println("usage: register <account> <password>")
				continue
			}
			if err := srv.RegisterAccount(ctx, fields[1], fields[2]); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("registered", fields[1])

		case "delete":
			if len(fields) != 2 {
				fmt.Println("usage: delete <account>")
				continue
			}
			if err := srv.DeleteAccount(ctx, fields[1]); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("deleted", fields[1])

		case "users":
			names, err := srv.AllUsers(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(strings.Join(names, ", "))

		case "active":
			sessions, err := srv.ActiveUsers(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, s := range sessions {
				fmt.Printf("%s\t%s:%d\t%s\n", s.AccountName, s.Addr, s.Port, s.LoginTime.Format("2006-01-02T15:04:05Z"))
			}

		default:
			fmt.Println("commands: register <account> <password> | delete <account> | users | active")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("admin console scanner stopped", "err", err)
	}
}
