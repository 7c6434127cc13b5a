package market

// SubmitReview records the buyer's rating of a completed order and folds it
// into the seller's running rating.
func (e *Engine) SubmitReview(reviewer [20]byte, id [32]byte, rating uint8, comment string) (*Review, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	if err := validateText(comment, MaxCommentLength, true, ErrInvalidComment); err != nil {
		return nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, err
	}
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusCompleted {
		return nil, ErrOrderNotCompleted
	}
	if !order.HasBuyer() || order.Buyer != reviewer {
		return nil, ErrNotBuyer
	}
	if _, exists, err := tx.loadReview(id, reviewer); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrReviewExists
	}
	review := &Review{
		OrderID:   id,
		Reviewer:  reviewer,
		Seller:    order.Seller,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: e.now(),
	}
	if err := tx.storeReview(review); err != nil {
		return nil, err
	}
	aggregate, err := tx.loadRating(order.Seller)
	if err != nil {
		return nil, err
	}
	aggregate.Count++
	aggregate.Sum += uint64(rating)
	if err := tx.storeRating(aggregate); err != nil {
		return nil, err
	}
	if err := e.commit("review", tx, nil); err != nil {
		return nil, err
	}
	e.emit(newReviewEvent(review))
	clone := *review
	return &clone, nil
}

// Review returns the review reviewer left on order id.
func (e *Engine) Review(id [32]byte, reviewer [20]byte) (*Review, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	review, ok, err := e.begin().loadReview(id, reviewer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReviewNotFound
	}
	return review, nil
}

// SellerRating returns the aggregated rating of seller.
func (e *Engine) SellerRating(seller [20]byte) (SellerRating, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.begin().loadRating(seller)
}
