package telegram

import (
	"context"
	"time"

	"telegram-scheduler/internal/domain/content"

	"github.com/go-faster/errors"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

// collectInterval — минимальный интервал между полными обходами диалогов.
const collectInterval = 10 * time.Minute

// channelIDOffset — смещение TDLib для идентификаторов каналов: канал N
// записывается в конфиге потока как -(1000000000000 + N).
const channelIDOffset int64 = 1000000000000

// tdlibPeer переводит идентификатор в нотации TDLib/Bot API в Peer MTProto.
func tdlibPeer(id int64) (tg.PeerClass, error) {
	switch {
	case id < -channelIDOffset:
		return &tg.PeerChannel{ChannelID: -id - channelIDOffset}, nil
	case id < 0:
		return &tg.PeerChat{ChatID: -id}, nil
	case id > 0:
		return &tg.PeerUser{UserID: id}, nil
	default:
		return nil, errors.New("zero peer id")
	}
}

// resolveDonor переводит ссылку на донора в InputPeer. Юзернеймы идут через
// резолвер с кэшем, числовые идентификаторы ищутся в кэше пиров; при промахе
// кэш добирается из диалогов и поиск повторяется один раз.
func (s *Session) resolveDonor(ctx context.Context, donor content.Donor) (tg.InputPeerClass, error) {
	if donor.Username != "" {
		in, err := s.resolver.ResolveDomain(ctx, donor.Username)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve @%s", donor.Username)
		}
		return in, nil
	}

	peerID, err := tdlibPeer(donor.ID)
	if err != nil {
		return nil, err
	}
	found, err := contribstorage.FindPeer(ctx, s.peers, peerID)
	if err == nil {
		return found.AsInputPeer(), nil
	}
	if err := s.collectPeers(ctx); err != nil {
		return nil, errors.Wrapf(err, "peer %d not cached, collect dialogs", donor.ID)
	}
	found, err = contribstorage.FindPeer(ctx, s.peers, peerID)
	if err != nil {
		return nil, errors.Wrapf(err, "peer %d not found in dialogs", donor.ID)
	}
	return found.AsInputPeer(), nil
}

// collectPeers обходит диалоги аккаунта и складывает пиров в кэш.
// Обход дорогой, поэтому повторный сбор выполняется не чаще collectInterval.
func (s *Session) collectPeers(ctx context.Context) error {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()

	if time.Since(s.lastCollect) < collectInterval {
		return nil
	}
	if err := contribstorage.CollectPeers(s.peers).Dialogs(ctx, query.GetDialogs(s.api).Iter()); err != nil {
		return errors.Wrap(err, "collect dialog peers")
	}
	s.lastCollect = time.Now()
	return nil
}

// peersEmpty проверяет, пуст ли персистентный кэш пиров.
func (s *Session) peersEmpty() (bool, error) {
	empty := true
	err := s.peerDB.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(peersBucket)
		if b == nil {
			return nil
		}
		if k, _ := b.Cursor().First(); k != nil {
			empty = false
		}
		return nil
	})
	return empty, err
}
