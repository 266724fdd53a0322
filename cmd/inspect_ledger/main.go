package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	intent := flag.String("intent", "", "intent id to show the transition history for")
	pair := flag.String("pair", "", "filter intents by pair (e.g. BTCUSDT)")
	n := flag.Int("n", 10, "max results to return")
	dbPath := flag.String("db", "data/ledger.db", "path to execution ledger")
	flag.Parse()

	db, err := sql.Open("sqlite", *dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(10000)&mode=ro")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if *intent != "" {
		showTransitions(db, *intent)
		return
	}
	listIntents(db, *pair, *n)
}

func showTransitions(db *sql.DB, intentID string) {
	rows, err := db.Query(
		`SELECT from_state, to_state, note, at FROM execution_transitions WHERE intent_id = ? ORDER BY id`,
		intentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var from, to, note, at string
		if err := rows.Scan(&from, &to, &note, &at); err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			continue
		}
		count++
		if note != "" {
			note = " (" + note + ")"
		}
		fmt.Printf("%s  %s -> %s%s\n", at, from, to, note)
	}
	if count == 0 {
		fmt.Printf("no transitions for intent %s\n", intentID)
	}
}

func listIntents(db *sql.DB, pair string, n int) {
	q := `SELECT i.id, i.pair, i.side, i.qty, e.state, e.attempts, e.result, e.updated_at
	      FROM intents i JOIN executions e ON e.intent_id = i.id`
	args := []any{}
	if pair != "" {
		q += ` WHERE i.pair = ?`
		args = append(args, pair)
	}
	q += ` ORDER BY i.created_at DESC LIMIT ?`
	args = append(args, n)

	rows, err := db.Query(q, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, pairVal, side, state, result, updated string
		var qty float64
		var attempts int
		if err := rows.Scan(&id, &pairVal, &side, &qty, &state, &attempts, &result, &updated); err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			continue
		}
		count++
		fmt.Printf("%s  %-10s %-4s %12.8f  %-16s attempts=%d result=%q  %s\n",
			id, pairVal, side, qty, state, attempts, result, updated)
	}
	if count == 0 {
		fmt.Println("no intents found")
	}
}
