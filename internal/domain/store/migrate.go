package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-scheduler/internal/infra/logger"
	"telegram-scheduler/internal/infra/timeutil"
)

// scheduleDaysAhead — горизонт пересборки расписания, когда все времена
// потока оказались в прошлом.
const scheduleDaysAhead = 7

// Migrate доводит базу арендатора до текущей схемы и чинит данные, оставленные
// прежними версиями системы. Шаги идемпотентны и выполняются строго по
// порядку: сначала колонки и таблицы, затем нормализация и ремонт данных,
// в конце уборка и индексы. Ошибка любого шага прерывает миграцию арендатора.
func (s *Store) Migrate(ctx context.Context, now time.Time) error {
	type step struct {
		name string
		run  func(context.Context) error
	}
	steps := []step{
		{"random_posts.posts_per_day", func(ctx context.Context) error {
			return s.addColumnIfMissing(ctx, "random_posts", "posts_per_day", "INTEGER DEFAULT 1")
		}},
		{"channel lists csv to json", s.migrateChannelListsToJSON},
		{"random_posts.next_post_times_json", func(ctx context.Context) error {
			return s.addColumnIfMissing(ctx, "random_posts", "next_post_times_json", "TEXT DEFAULT '[]'")
		}},
		{"posts.last_post_time", func(ctx context.Context) error {
			return s.addColumnIfMissing(ctx, "posts", "last_post_time", "TIMESTAMP")
		}},
		{"repost_streams.is_active", func(ctx context.Context) error {
			return s.addColumnIfMissing(ctx, "repost_streams", "is_active", "BOOLEAN DEFAULT 1")
		}},
		{"periodic_posts table", s.ensurePeriodicTable},
		{"posts random columns", s.addPostsRandomColumns},
		{"published_dedup table", s.ensureDedupTable},
		{"normalize time format", s.normalizeTimeFormats},
		{"repair channel list json", s.repairChannelListJSON},
		{"refresh stale schedules", func(ctx context.Context) error {
			return s.refreshStaleSchedules(ctx, now)
		}},
		{"purge bad random slots", s.purgeBadRandomSlots},
		{"cleanup past posts", func(ctx context.Context) error {
			_, err := s.CleanupPastPosts(ctx, now)
			return err
		}},
		{"ensure indexes", s.ensureIndexes},
	}
	for _, st := range steps {
		if err := st.run(ctx); err != nil {
			return errors.Wrapf(err, "migrate: %s", st.name)
		}
	}
	return nil
}

// addColumnIfMissing добавляет колонку, если её ещё нет. ALTER TABLE в SQLite
// не умеет IF NOT EXISTS, поэтому наличие проверяется через pragma_table_info.
func (s *Store) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
	if err != nil {
		return errors.Wrapf(err, "inspect %s", table)
	}
	if n > 0 {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "add column %s.%s", table, column)
	}
	logger.Debug("миграция: добавлена колонка",
		zap.String("db", s.path), zap.String("column", table+"."+column))
	return nil
}

// tableExists проверяет наличие таблицы.
func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	if err != nil {
		return false, errors.Wrap(err, "inspect sqlite_master")
	}
	return n > 0, nil
}

// migrateChannelListsToJSON переводит списки каналов из легаси-CSV в JSON.
// Затронуты repost_streams.target_channels и donor_channels/target_channels
// в random_posts. Значения, уже похожие на JSON-массив, не трогаются; пустые
// строки становятся "[]"; нечитаемый CSV остаётся как есть и позже
// переписывается ремонтом JSON.
func (s *Store) migrateChannelListsToJSON(ctx context.Context) error {
	type streamRow struct {
		ID      int64  `db:"id"`
		Targets string `db:"target_channels"`
	}
	var streams []streamRow
	err := s.db.SelectContext(ctx, &streams, `
		SELECT id, COALESCE(target_channels, '') AS target_channels
		FROM repost_streams WHERE target_channels NOT LIKE '[%]'`)
	if err != nil {
		return errors.Wrap(err, "select repost csv rows")
	}
	for _, row := range streams {
		converted, ok := csvToIDListJSON(row.Targets)
		if !ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE repost_streams SET target_channels = ? WHERE id = ?`,
			converted, row.ID); err != nil {
			return errors.Wrap(err, "rewrite repost targets")
		}
	}

	type randomRow struct {
		ID      int64  `db:"id"`
		Donors  string `db:"donor_channels"`
		Targets string `db:"target_channels"`
	}
	var randoms []randomRow
	err = s.db.SelectContext(ctx, &randoms, `
		SELECT id,
		       COALESCE(donor_channels, '')  AS donor_channels,
		       COALESCE(target_channels, '') AS target_channels
		FROM random_posts
		WHERE donor_channels NOT LIKE '[%]' OR target_channels NOT LIKE '[%]'`)
	if err != nil {
		return errors.Wrap(err, "select random csv rows")
	}
	for _, row := range randoms {
		if !strings.HasPrefix(row.Donors, "[") {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE random_posts SET donor_channels = ? WHERE id = ?`,
				csvToRefListJSON(row.Donors), row.ID); err != nil {
				return errors.Wrap(err, "rewrite random donors")
			}
		}
		if !strings.HasPrefix(row.Targets, "[") {
			converted, ok := csvToIDListJSON(row.Targets)
			if !ok {
				continue
			}
			if _, err := s.db.ExecContext(ctx,
				`UPDATE random_posts SET target_channels = ? WHERE id = ?`,
				converted, row.ID); err != nil {
				return errors.Wrap(err, "rewrite random targets")
			}
		}
	}
	return nil
}

// csvToIDListJSON превращает CSV числовых идентификаторов в JSON-массив.
// Пустой вход даёт "[]". Любой нечисловой элемент отменяет преобразование
// всей строки (ok == false): такие значения добьёт ремонт JSON.
func csvToIDListJSON(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "[]", true
	}
	ids := make([]int64, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return "", false
		}
		ids = append(ids, id)
	}
	return MarshalChannelIDs(ids), true
}

// csvToRefListJSON превращает CSV доноров в JSON-массив, сохраняя исторические
// типы элементов: беззнаковые цифровые строки становятся числами, всё прочее
// остаётся строками.
func csvToRefListJSON(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "[]"
	}
	items := make([]any, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if isDigits(part) {
			if id, err := strconv.ParseInt(part, 10, 64); err == nil {
				items = append(items, id)
				continue
			}
		}
		items = append(items, part)
	}
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// ensurePeriodicTable создаёт таблицу периодических потоков, если её нет.
func (s *Store) ensurePeriodicTable(ctx context.Context) error {
	ok, err := s.tableExists(ctx, "periodic_posts")
	if err != nil || ok {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE periodic_posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			donor_channel TEXT,
			target_channels TEXT,
			last_post_time TIMESTAMP,
			phone_number TEXT,
			is_public_channel BOOLEAN DEFAULT 0,
			is_active BOOLEAN DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return errors.Wrap(err, "create periodic_posts")
	}
	return nil
}

// addPostsRandomColumns добавляет в posts колонки случайных потоков.
func (s *Store) addPostsRandomColumns(ctx context.Context) error {
	columns := []struct{ name, decl string }{
		{"random_post_id", "INTEGER"},
		{"donor_channels_json", "TEXT"},
		{"target_channels_json", "TEXT"},
		{"post_freshness", "INTEGER DEFAULT 1"},
		{"phone_number", "TEXT"},
		{"is_public_channel", "BOOLEAN DEFAULT 0"},
	}
	for _, col := range columns {
		if err := s.addColumnIfMissing(ctx, "posts", col.name, col.decl); err != nil {
			return err
		}
	}
	return nil
}

// ensureDedupTable создаёт таблицу дедупликации вместе с уникальным индексом.
func (s *Store) ensureDedupTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS published_dedup (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			published_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return errors.Wrap(err, "create published_dedup")
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_published_dedup_channel_fpr ON published_dedup(channel_id, fingerprint)`)
	if err != nil {
		return errors.Wrap(err, "create published_dedup index")
	}
	return nil
}

// normalizeTimeFormats переписывает времена с ISO-разделителем "T" в
// канонический вид с пробелом, отбрасывая дробные секунды. Выборки движка
// сравнивают времена как строки, а ' ' < 'T': без нормализации легаси-слот
// с "T" в scheduled_time никогда не стал бы просроченным относительно
// канонической границы, а окна по published_at считались бы мимо.
func (s *Store) normalizeTimeFormats(ctx context.Context) error {
	statements := []string{
		`UPDATE posts SET scheduled_time = replace(substr(scheduled_time, 1, 19), 'T', ' ')
		 WHERE scheduled_time LIKE '%T%'`,
		`UPDATE published_dedup SET published_at = replace(substr(published_at, 1, 19), 'T', ' ')
		 WHERE published_at LIKE '%T%'`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "rewrite legacy time")
		}
	}
	return nil
}

// repairChannelListJSON переписывает нечитаемые JSON-документы списков каналов
// на "[]". Пустые и NULL значения не трогаются.
func (s *Store) repairChannelListJSON(ctx context.Context) error {
	repaired := 0

	type streamRow struct {
		ID      int64  `db:"id"`
		Targets string `db:"target_channels"`
	}
	var streams []streamRow
	err := s.db.SelectContext(ctx, &streams,
		`SELECT id, COALESCE(target_channels, '') AS target_channels FROM repost_streams`)
	if err != nil {
		return errors.Wrap(err, "select repost streams for repair")
	}
	for _, row := range streams {
		if row.Targets == "" || json.Valid([]byte(row.Targets)) {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE repost_streams SET target_channels = '[]' WHERE id = ?`, row.ID); err != nil {
			return errors.Wrap(err, "repair repost targets")
		}
		repaired++
	}

	type randomRow struct {
		ID      int64  `db:"id"`
		Donors  string `db:"donor_channels"`
		Targets string `db:"target_channels"`
	}
	var randoms []randomRow
	err = s.db.SelectContext(ctx, &randoms, `
		SELECT id,
		       COALESCE(donor_channels, '')  AS donor_channels,
		       COALESCE(target_channels, '') AS target_channels
		FROM random_posts`)
	if err != nil {
		return errors.Wrap(err, "select random streams for repair")
	}
	for _, row := range randoms {
		if row.Donors != "" && !json.Valid([]byte(row.Donors)) {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE random_posts SET donor_channels = '[]' WHERE id = ?`, row.ID); err != nil {
				return errors.Wrap(err, "repair random donors")
			}
			repaired++
		}
		if row.Targets != "" && !json.Valid([]byte(row.Targets)) {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE random_posts SET target_channels = '[]' WHERE id = ?`, row.ID); err != nil {
				return errors.Wrap(err, "repair random targets")
			}
			repaired++
		}
	}
	if repaired > 0 {
		logger.Debug("миграция: починены JSON-списки каналов",
			zap.String("db", s.path), zap.Int("repaired", repaired))
	}
	return nil
}

// refreshStaleSchedules чинит расписания активных случайных потоков.
// Прошедшие времена заменяются на ближайшие случайные (5-120 минут вперёд);
// если живых времен не осталось, расписание пересобирается на неделю. После
// каждого потока из posts удаляются его опубликованные и недельной давности
// слоты. Потоки с пустым или нечитаемым расписанием пропускаются.
func (s *Store) refreshStaleSchedules(ctx context.Context, now time.Time) error {
	type scheduleRow struct {
		ID    int64  `db:"id"`
		PPD   int    `db:"posts_per_day"`
		Times string `db:"next_post_times_json"`
	}
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id,
		       COALESCE(posts_per_day, 1)         AS posts_per_day,
		       COALESCE(next_post_times_json, '') AS next_post_times_json
		FROM random_posts WHERE is_active = 1`)
	if err != nil {
		return errors.Wrap(err, "select schedules")
	}

	weekAgo := timeutil.FormatSlotTime(now.AddDate(0, 0, -7))
	for _, row := range rows {
		if row.Times == "" {
			continue
		}
		var items []any
		if err := json.Unmarshal([]byte(row.Times), &items); err != nil {
			continue
		}

		updated := make([]string, 0, len(items))
		for _, item := range items {
			raw, ok := item.(string)
			if !ok {
				continue
			}
			at, err := timeutil.ParseSlotTime(raw)
			if err != nil {
				continue
			}
			if at.After(now) {
				updated = append(updated, raw)
				continue
			}
			bumped := now.Add(time.Duration(randomBetween(5, 120)) * time.Minute)
			updated = append(updated, timeutil.FormatSlotTime(bumped))
		}
		if len(updated) == 0 {
			updated = buildWeekSchedule(now, row.PPD)
		}

		if _, err := s.db.ExecContext(ctx,
			`UPDATE random_posts SET next_post_times_json = ? WHERE id = ?`,
			marshalRawTimes(updated), row.ID); err != nil {
			return errors.Wrap(err, "rewrite schedule")
		}
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM posts
			WHERE random_post_id = ? AND (scheduled_time < ? OR is_published = ?)`,
			row.ID, weekAgo, SlotDone); err != nil {
			return errors.Wrap(err, "prune stream slots")
		}
	}
	return nil
}

// buildWeekSchedule собирает расписание потока на scheduleDaysAhead суток.
// Первый день начинается с текущего момента, остальные — с полуночи. При
// posts_per_day в пределах суточных минут выбираются различные минуты дня,
// иначе времена раскладываются равномерным шагом. Итог ограничен
// posts_per_day за сутки на весь горизонт и отсортирован.
func buildWeekSchedule(now time.Time, postsPerDay int) []string {
	const minutesPerDay = 24 * 60
	times := make([]time.Time, 0, postsPerDay*scheduleDaysAhead)
	for day := 0; day < scheduleDaysAhead; day++ {
		dayStart := timeutil.StartOfDay(now).AddDate(0, 0, day)
		start := dayStart
		if day == 0 {
			start = now
		}
		dayEnd := timeutil.EndOfDay(dayStart)

		if postsPerDay <= minutesPerDay {
			available := int(dayEnd.Sub(start).Minutes())
			if available <= 0 {
				continue
			}
			count := postsPerDay
			if count > available {
				count = available
			}
			minutes := pickDistinct(available, count)
			for _, m := range minutes {
				times = append(times, start.
					Add(time.Duration(m)*time.Minute).
					Add(time.Duration(randomBetween(0, 59))*time.Second))
			}
			continue
		}

		step := float64(minutesPerDay) / float64(postsPerDay)
		for i := 0; i < postsPerDay; i++ {
			at := start.
				Add(time.Duration(int(float64(i)*step)) * time.Minute).
				Add(time.Duration(randomBetween(0, 59)) * time.Second)
			if !at.After(dayEnd) {
				times = append(times, at)
			}
		}
	}
	if limit := postsPerDay * scheduleDaysAhead; len(times) > limit {
		times = times[:limit]
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	raws := make([]string, len(times))
	for i, at := range times {
		raws[i] = timeutil.FormatSlotTime(at)
	}
	return raws
}

// pickDistinct возвращает count различных чисел из [0, n) по возрастанию.
func pickDistinct(n, count int) []int {
	picked := rand.Perm(n)[:count]
	sort.Ints(picked)
	return picked
}

// randomBetween возвращает псевдослучайное целое в [fromMin, toMax] включительно.
// Если fromMin >= toMax, возвращается fromMin.
func randomBetween(fromMin, toMax int) int {
	if fromMin >= toMax {
		return fromMin
	}
	return rand.IntN(toMax-fromMin+1) + fromMin // #nosec G404
}

// purgeBadRandomSlots удаляет слоты случайных потоков с неремонтопригодными
// данными: нетекстовыми JSON-колонками, кривым номером телефона или мусором
// во флаге публичности. Такие строки оставляли старые версии планировщика.
func (s *Store) purgeBadRandomSlots(ctx context.Context) error {
	statements := []string{
		`DELETE FROM posts
		 WHERE content_type = 'random'
		   AND (typeof(donor_channels_json) != 'text' OR typeof(target_channels_json) != 'text')`,
		`DELETE FROM posts
		 WHERE content_type = 'random'
		   AND (phone_number IS NULL OR phone_number = '' OR typeof(phone_number) != 'text' OR phone_number NOT LIKE '+%')`,
		`DELETE FROM posts
		 WHERE content_type = 'random'
		   AND (is_public_channel IS NULL OR typeof(is_public_channel) != 'integer' OR is_public_channel NOT IN (0, 1))`,
	}
	var purged int64
	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return errors.Wrap(err, "delete bad random slots")
		}
		if n, err := res.RowsAffected(); err == nil {
			purged += n
		}
	}
	if purged > 0 {
		logger.Debug("миграция: удалены повреждённые случайные слоты",
			zap.String("db", s.path), zap.Int64("purged", purged))
	}
	return nil
}
