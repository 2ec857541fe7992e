package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eliasbenb/plexanibridge/internal/mappings"
)

var (
	mappingsLimit int
	mappingsJSON  bool
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Query the mapping database",
}

var mappingsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search mappings with a Booru-style query",
	Long: `Search the mapping database.

Bare terms match titles (full-text). Field terms use field:value syntax,
with * wildcards, - negation, | alternation and ( ) grouping:

  anibridged mappings search 'frieren'
  anibridged mappings search 'tvdb_id:424536 custom:true'
  anibridged mappings search 'has:tmdb_movie_id -has:anidb_id'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		hits, err := rt.SearchMappings(cmd.Context(), args[0], mappingsLimit)
		if err != nil {
			return err
		}
		if mappingsJSON {
			printJSON(hits)
			return nil
		}
		if len(hits) == 0 {
			fmt.Println("No mappings matched")
			return nil
		}
		for _, m := range hits {
			fmt.Printf("%8d  %s%s\n", m.AnilistID, mappingTitle(m), mappingBadges(m))
		}
		return nil
	},
}

func mappingTitle(m mappings.Mapping) string {
	switch {
	case m.TitleEnglish != "":
		return m.TitleEnglish
	case m.TitleRomaji != "":
		return m.TitleRomaji
	case m.TitleNative != "":
		return m.TitleNative
	}
	return "(untitled)"
}

func mappingBadges(m mappings.Mapping) string {
	var badges []string
	if m.Custom {
		badges = append(badges, "custom")
	}
	if m.TvdbID != nil {
		badges = append(badges, fmt.Sprintf("tvdb:%d", *m.TvdbID))
	}
	if len(m.TmdbMovieID) > 0 {
		badges = append(badges, "movie")
	}
	if len(badges) == 0 {
		return ""
	}
	return "  [" + strings.Join(badges, ", ") + "]"
}

func init() {
	mappingsSearchCmd.Flags().IntVar(&mappingsLimit, "limit", 25, "Maximum results")
	mappingsSearchCmd.Flags().BoolVar(&mappingsJSON, "json", false, "Output as JSON")
	mappingsCmd.AddCommand(mappingsSearchCmd)
}
