package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"sogou_spider/internal/models"
)

// LoadKeywords reads one keyword per line. Blank lines and lines starting
// with '#' are ignored; order is preserved.
func LoadKeywords(r io.Reader) ([]string, error) {
	var keywords []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keywords = append(keywords, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keywords, nil
}

func LoadKeywordsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keywords file: %w", err)
	}
	defer f.Close()
	return LoadKeywords(f)
}

// Tasks turns keywords into crawl tasks with the same page limit.
func Tasks(keywords []string, targetPages int) []models.KeywordTask {
	tasks := make([]models.KeywordTask, 0, len(keywords))
	for _, k := range keywords {
		tasks = append(tasks, models.KeywordTask{Keyword: k, TargetPages: targetPages})
	}
	return tasks
}
