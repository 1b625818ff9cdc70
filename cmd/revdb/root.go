package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/andreyvit/revdb"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to wrap the help text at
	Wrap int = 50
)

var (
	db *revdb.DB

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "revdb",
		Short: "inspect and edit revdb databases",
		Long: `revdb

Inspects and edits revdb document databases: documents and their
revisions, the changes feed, raw stores, expiration and views.`,
		PersistentPreRunE:  openDB,
		PersistentPostRunE: closeDB,
		SilenceUsage:       true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	key := "db"
	RootCmd.PersistentFlags().String(key, "", wrapString("path of the database file (env REVDB_DB)"))
	key = "create"
	RootCmd.PersistentFlags().Bool(key, false, wrapString("create the database if it does not exist"))
	key = "read-only"
	RootCmd.PersistentFlags().Bool(key, false, wrapString("open the database read-only"))
	key = "passphrase"
	RootCmd.PersistentFlags().String(key, "", wrapString("passphrase of an encrypted database (env REVDB_PASSPHRASE)"))
	key = "salt"
	RootCmd.PersistentFlags().String(key, "revdb", wrapString("salt used to derive the key from the passphrase"))
	key = "verbose"
	RootCmd.PersistentFlags().BoolP(key, "v", false, wrapString("log debug output to stderr"))

	RootCmd.AddCommand(infoCmd, getCmd, putCmd, docsCmd, changesCmd, purgeCmd, compactCmd,
		expireCmd, expiredCmd, rawCmd, viewCmd, dumpCmd, metricsCmd)
}

func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("revdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func openDB(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if viper.GetBool("verbose") {
		revdb.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		revdb.SetLogLevel(revdb.LogDebug)
	}

	path := viper.GetString("db")
	if path == "" {
		return fmt.Errorf("no database: pass --db or set REVDB_DB")
	}
	opt := revdb.Options{
		Create:   viper.GetBool("create"),
		ReadOnly: viper.GetBool("read-only"),
		Verbose:  viper.GetBool("verbose"),
	}
	if p := viper.GetString("passphrase"); p != "" {
		opt.EncryptionKey = revdb.DeriveEncryptionKey(p, []byte(viper.GetString("salt")))
	}

	var err error
	db, err = revdb.Open(path, opt)
	return err
}

func closeDB(_ *cobra.Command, _ []string) error {
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}

// wrapString wraps a string at Wrap characters
func wrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}
